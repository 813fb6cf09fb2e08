package cmd

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/kzs0/tracehook"
	"github.com/kzs0/tracehook/integration"
)

var integrationsCmd = &cobra.Command{
	Use:   "integrations",
	Short: "boots the engine and lists the state of every bundled integration",
	RunE:  runIntegrations,
}

func init() {
	rootCmd.AddCommand(integrationsCmd)
}

func runIntegrations(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	cfg.ServerEnabled = false

	e, err := tracehook.New(cfg, tracehook.WithLogOutput(cmd.ErrOrStderr()))
	if err != nil {
		return err
	}
	defer func() { _ = e.Shutdown(context.Background()) }()

	if _, err := e.Boot(cmd.Context(), e.DefaultIntegrations()...); err != nil {
		return err
	}
	statuses := e.Integrations().Status()
	if statuses == nil {
		statuses = []integration.Status{}
	}
	return render(cmd.OutOrStdout(), output, statuses)
}
