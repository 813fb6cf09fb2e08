// Package cmd holds the tracehook command line.
package cmd

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/kzs0/tracehook"
)

var (
	configFile string
	envFiles   []string
	output     string
)

var rootCmd = &cobra.Command{
	Use:          "tracehook",
	Short:        "inspects and exercises the tracehook engine",
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "YAML configuration file")
	rootCmd.PersistentFlags().StringSliceVar(&envFiles, "env-file", nil, ".env files consulted after the environment")
	rootCmd.PersistentFlags().StringVarP(&output, "output", "o", "yaml", "output format: yaml or json")
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func loadConfig() (tracehook.Config, error) {
	return tracehook.LoadConfig(configFile, envFiles...)
}

func render(w io.Writer, format string, v any) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "yaml", "":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	default:
		return fmt.Errorf("unknown output format %q", format)
	}
}
