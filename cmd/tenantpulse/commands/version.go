package commands

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/teranos/tenantpulse/db"
	"github.com/teranos/tenantpulse/version"
)

// VersionCmd prints build information and the embedded schema version.
var VersionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show tenantpulse version information",
	Long:  `Display version, commit, build time, platform and the database schema version this binary migrates to.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		jsonOutput, _ := cmd.Flags().GetBool("json")

		info := version.Get()
		if schema, err := db.SchemaVersion(db.DialectSQLite); err == nil {
			info.Schema = schema
		}

		out := cmd.OutOrStdout()
		if jsonOutput {
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(info)
		}
		fmt.Fprintln(out, info.String())
		fmt.Fprintf(out, "Platform: %s\n", info.Platform)
		fmt.Fprintf(out, "Go: %s\n", info.GoVersion)
		if info.Schema != "" {
			fmt.Fprintf(out, "Schema: %s\n", info.Schema)
		}
		return nil
	},
}

func init() {
	VersionCmd.Flags().BoolP("json", "j", false, "Output version info as JSON")
}
