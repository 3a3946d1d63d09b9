package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/sofmeright/stackfreight/src/cloud"
	"github.com/sofmeright/stackfreight/src/config"
	"github.com/sofmeright/stackfreight/src/daemon"
	"github.com/sofmeright/stackfreight/src/release"
)

var (
	deployInline   bool
	deploySkipLogs bool
	deployApp      string
)

var deployCmd = &cobra.Command{
	Use:   "deploy",
	Short: "Build, push, and record a release",
	Long: `Build every service, tag and push the images into the application's
registry namespace, and record them as a cloud release.`,
	RunE: runDeployCmd,
}

func init() {
	deployCmd.Flags().BoolVar(&deployInline, "inline", false, "print one line per event instead of the live summary")
	deployCmd.Flags().BoolVar(&deploySkipLogs, "skip-logs", false, "do not upload build logs with image records")
	deployCmd.Flags().StringVar(&deployApp, "app", "", "override the application from config")
	rootCmd.AddCommand(deployCmd)
}

func runDeployCmd(cmd *cobra.Command, args []string) error {
	settings, err := config.LoadSettings()
	if err != nil {
		return fmt.Errorf("loading settings: %w", err)
	}

	appID := cfg.Application
	if deployApp != "" {
		appID = deployApp
	}
	if appID == "" {
		return fmt.Errorf("no application configured (set application in config or pass --app)")
	}
	if settings.CloudEndpoint == "" {
		return fmt.Errorf("no cloud endpoint configured (set cloud_endpoint in settings or STACKFREIGHT_ENDPOINT)")
	}

	ctx := context.Background()
	comp, images, err := buildRun(ctx, cfg, settings, deployInline)
	if err != nil {
		return err
	}
	fmt.Println()
	summarize(images)
	fmt.Println()

	snapshot, err := os.ReadFile(cfg.Composition)
	if err != nil {
		return fmt.Errorf("reading composition snapshot: %w", err)
	}

	backend := cloud.NewClient(settings.CloudEndpoint, settings.AuthToken)
	pipeline := release.New(daemon.NewEngine(settings.DaemonSocket), backend, os.Stdout)
	pipeline.SkipLogUpload = deploySkipLogs || cfg.Build.SkipLogUpload

	rel, err := pipeline.Deploy(ctx, release.Input{
		AppID:    appID,
		Snapshot: string(snapshot),
		Source:   cloud.Source("."),
		Images:   images,
	})
	if err != nil {
		return err
	}

	fmt.Printf("\nRelease %s for %s: %s (%d images)\n", rel.ID, comp.Name, rel.Status, len(rel.Images))
	if rel.Status != cloud.StatusSuccess {
		return fmt.Errorf("release finished with status %s", rel.Status)
	}
	return nil
}
