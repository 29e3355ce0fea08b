package commands

import (
	"context"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/tenantpulse/errors"
	"github.com/teranos/tenantpulse/logger"
	"github.com/teranos/tenantpulse/sym"
)

// SchedulersCmd groups commands about the tenant scheduler cache
var SchedulersCmd = &cobra.Command{
	Use:   "schedulers",
	Short: sym.Tenant + " List tenant-org schedulers",
}

var schedulersLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List every tenant-org known to the registry",
	Long: `List every tenant-org known to the registry.

The list is empty in single-tenant mode. CACHED is always "no" here since
this command builds its own empty cache.`,
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		cfg, err := loadValidConfig()
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		rt, err := buildRuntime(ctx, cfg, false, logger.ComponentLogger("schedulers"))
		if err != nil {
			return err
		}
		defer func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			err = errors.CombineErrors(err, rt.Close(closeCtx))
		}()

		summaries, err := rt.manager.ListActiveSchedulers(ctx)
		if err != nil {
			return err
		}
		if len(summaries) == 0 {
			pterm.Info.Println("No tenant-orgs registered")
			return nil
		}
		data := pterm.TableData{{"TENANT", "TENANT NAME", "ORG", "ORG NAME", "CACHED"}}
		for _, s := range summaries {
			cached := "no"
			if s.Cached {
				cached = "yes"
			}
			data = append(data, []string{s.TenantID, s.TenantName, s.OrgID, s.OrgName, cached})
		}
		return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
	},
}

func init() {
	SchedulersCmd.AddCommand(schedulersLsCmd)
}
