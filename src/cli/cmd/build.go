package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/sofmeright/stackfreight/src/config"
)

var buildInline bool

var buildCmd = &cobra.Command{
	Use:   "build",
	Short: "Build all services in the composition",
	Long: `Build every service in the composition against the local daemon,
streaming live progress. No release is created and nothing is pushed.`,
	RunE: runBuildCmd,
}

func init() {
	buildCmd.Flags().BoolVar(&buildInline, "inline", false, "print one line per event instead of the live summary")
	rootCmd.AddCommand(buildCmd)
}

func runBuildCmd(cmd *cobra.Command, args []string) error {
	settings, err := config.LoadSettings()
	if err != nil {
		return fmt.Errorf("loading settings: %w", err)
	}

	_, images, err := buildRun(context.Background(), cfg, settings, buildInline)
	if err != nil {
		return err
	}
	fmt.Println()
	summarize(images)
	return nil
}
