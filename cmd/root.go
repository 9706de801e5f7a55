package cmd

import (
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/JakeFAU/venue-crawler/internal/config"
	"github.com/JakeFAU/venue-crawler/internal/logging"
)

// newRootCmd creates the root command. Subcommands share one Viper instance
// so flags, environment and the config file resolve in the same place.
func newRootCmd() *cobra.Command {
	v := config.New()
	var cfgFile string

	cmd := &cobra.Command{
		Use:   "venuecrawler",
		Short: "Adaptive crawler for paginated venue catalogs.",
		Long: `venuecrawler walks the paginated, JavaScript-rendered listings of venue
catalogs (TagVenue, HireSpace), extracts item links and optional detail
fields, and delivers deduplicated records to a webhook, Pub/Sub or Postgres.
Each run stops on its own once listings stop yielding new items.`,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML)")

	cmd.AddCommand(
		newCrawlCmd(v, &cfgFile),
		newSourcesCmd(v, &cfgFile),
	)
	return cmd
}

// loadConfig applies the changed flags of cmd onto v and loads the config.
func loadConfig(cmd *cobra.Command, v *viper.Viper, cfgFile string, bindings []flagBinding) (config.Config, error) {
	applyFlags(cmd, v, bindings)
	return config.LoadFrom(v, cfgFile)
}

// Execute is the main entry point.
func Execute() {
	logger, err := logging.New(logging.Config{})
	if err != nil {
		os.Exit(1)
	}
	zap.ReplaceGlobals(logger)

	if err := newRootCmd().Execute(); err != nil {
		zap.L().Fatal("command execution failed", zap.Error(err))
	}
}
