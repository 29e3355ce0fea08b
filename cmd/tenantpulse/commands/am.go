package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/pelletier/go-toml/v2"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/teranos/tenantpulse/am"
	"github.com/teranos/tenantpulse/errors"
	"github.com/teranos/tenantpulse/sym"
)

// AmCmd represents the am (configuration) command
var AmCmd = &cobra.Command{
	Use:   "am",
	Short: sym.AM + " Manage tenantpulse configuration",
	Long: sym.AM + ` am - Manage tenantpulse configuration ("I am")

Configuration sources (in order of precedence):
1. Environment variables (TENANTPULSE_* prefix)
2. Project config (./am.toml, searched up the directory tree)
3. User config (~/.tenantpulse/am.toml)
4. System config (/etc/tenantpulse/am.toml)
5. Default values

--config replaces sources 2-4 with a single file.

Examples:
  tenantpulse am show                 # Show current configuration
  tenantpulse am show --format json   # Show configuration in JSON format
  tenantpulse am get scheduler.mode   # Get specific config value
  tenantpulse am validate             # Validate current configuration
  tenantpulse am init                 # Write a starter ~/.tenantpulse/am.toml`,
}

var amShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	Long:  "Display the merged configuration from all sources. Secrets are redacted.",
	RunE:  runAmShow,
}

var amGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Get a specific configuration value",
	Long:  "Get a specific configuration value using dot notation (e.g., scheduler.mode, pulse.poll_interval_ms)",
	Args:  cobra.ExactArgs(1),
	RunE:  runAmGet,
}

var amValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate current configuration",
	RunE:  runAmValidate,
}

var amWhereCmd = &cobra.Command{
	Use:   "where",
	Short: "Show where configuration is loaded from",
	RunE:  runAmWhere,
}

var amInitCmd = &cobra.Command{
	Use:   "init [path]",
	Short: "Write a starter config file",
	Long: `Write the default configuration as TOML. The target defaults to
~/.tenantpulse/am.toml; an existing file is kept as <path>.back1.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runAmInit,
}

var configFormat string

func init() {
	amShowCmd.Flags().StringVar(&configFormat, "format", "toml", "Output format: toml, json, yaml")

	AmCmd.AddCommand(amShowCmd)
	AmCmd.AddCommand(amGetCmd)
	AmCmd.AddCommand(amValidateCmd)
	AmCmd.AddCommand(amWhereCmd)
	AmCmd.AddCommand(amInitCmd)
}

func runAmShow(cmd *cobra.Command, args []string) error {
	settings := am.Settings()

	switch configFormat {
	case "json":
		data, err := json.MarshalIndent(settings, "", "  ")
		if err != nil {
			return errors.Wrap(err, "failed to marshal config to JSON")
		}
		fmt.Println(string(data))

	case "yaml":
		data, err := yaml.Marshal(settings)
		if err != nil {
			return errors.Wrap(err, "failed to marshal config to YAML")
		}
		fmt.Printf("# tenantpulse configuration\n%s", string(data))

	case "toml":
		data, err := toml.Marshal(settings)
		if err != nil {
			return errors.Wrap(err, "failed to marshal config to TOML")
		}
		fmt.Printf("# tenantpulse configuration\n%s", string(data))

	default:
		return errors.Newf("unsupported format: %s (supported: toml, json, yaml)", configFormat)
	}
	return nil
}

func runAmGet(cmd *cobra.Command, args []string) error {
	key := args[0]
	if !am.GetViper().IsSet(key) {
		return errors.Newf("configuration key %q not found", key)
	}
	redacted := am.Redact(map[string]interface{}{key: am.Get(key)})
	fmt.Println(redacted[key])
	return nil
}

func runAmValidate(cmd *cobra.Command, args []string) error {
	if _, err := loadValidConfig(); err != nil {
		return err
	}
	pterm.Success.Println("Configuration is valid")
	return nil
}

func runAmWhere(cmd *cobra.Command, args []string) error {
	loaded := make(map[string]bool)
	for _, f := range am.LoadedFiles() {
		loaded[f] = true
	}
	if len(loaded) == 0 {
		// LoadedFiles is filled by the first viper initialization
		am.GetViper()
		for _, f := range am.LoadedFiles() {
			loaded[f] = true
		}
	}

	fmt.Println("Configuration cascade (later overrides earlier):")
	fmt.Println("  [DEFAULT]  Built-in defaults")
	for _, p := range am.ConfigPaths() {
		state := "missing"
		if loaded[p] {
			state = "loaded"
		} else if _, err := os.Stat(p); err == nil {
			state = "unreadable"
		}
		fmt.Printf("  [%-8s] %s\n", state, p)
	}
	fmt.Println("  [ENV]      TENANTPULSE_* environment variables")
	return nil
}

func runAmInit(cmd *cobra.Command, args []string) error {
	path := ""
	if len(args) == 1 {
		path = args[0]
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			return errors.Wrap(err, "failed to resolve home directory")
		}
		path = filepath.Join(home, ".tenantpulse", "am.toml")
	}

	v := viper.New()
	am.SetDefaults(v)
	cfg, err := am.LoadWithViper(v)
	if err != nil {
		return err
	}
	if err := am.WriteConfig(path, cfg); err != nil {
		return err
	}
	pterm.Success.Printfln("%s Wrote %s", sym.AM, path)
	return nil
}
