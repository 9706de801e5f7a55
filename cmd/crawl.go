// Package cmd defines the CLI commands of the venuecrawler executable.
package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/JakeFAU/venue-crawler/internal/server"
)

// flagBinding maps a CLI flag onto a config key.
type flagBinding struct {
	flag string
	key  string
}

var crawlFlags = []flagBinding{
	{"source", "crawl.source"},
	{"shard-index", "crawl.shard_index"},
	{"shard-total", "crawl.shard_total"},
	{"local-shards", "crawl.local_shards"},
	{"parallelism", "crawl.parallelism"},
	{"start-page", "crawl.start_page"},
	{"catalog", "crawl.catalog_file"},
	{"dry-run", "crawl.dry_run"},
	{"ceiling", "crawl.hard_page_ceiling"},
	{"low-threshold", "crawl.low_item_threshold"},
	{"stop-streak", "crawl.stop_streak_length"},
	{"short-tail-floor", "crawl.short_tail_floor"},
	{"details", "crawl.fetch_details"},
	{"render-mode", "render.mode"},
	{"sink", "sink.kind"},
	{"artifacts", "artifacts.store"},
	{"listen", "server.listen_addr"},
	{"linger", "server.linger"},
}

// applyFlags copies explicitly set flags onto v. Unset flags never mask
// values from the environment or the config file.
func applyFlags(cmd *cobra.Command, v *viper.Viper, bindings []flagBinding) {
	for _, b := range bindings {
		f := cmd.Flags().Lookup(b.flag)
		if f == nil || !f.Changed {
			continue
		}
		v.Set(b.key, f.Value.String())
	}
}

// newCrawlCmd creates the 'crawl' subcommand.
func newCrawlCmd(v *viper.Viper, cfgFile *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "crawl",
		Short: "Crawl the selected sources",
		Long: `Crawls the listing pages of the selected source (or All) for this
process's shard, delivering new items in batches as each page completes.
The command fails when any (source, shard) run ends on a fatal error.`,
		Example: `  venuecrawler crawl --source TagVenue --shard-index 0 --shard-total 3
  venuecrawler crawl --source All --local-shards 3 --parallelism 2 --dry-run`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runCrawlCommand(cmd, v, *cfgFile)
		},
	}

	flags := cmd.Flags()
	flags.String("source", "", "source ID to crawl, or All")
	flags.Int("shard-index", 0, "zero-based shard index of this process")
	flags.Int("shard-total", 1, "total number of shards")
	flags.Int("local-shards", 0, "run every shard of an n-way partition in this process")
	flags.Int("parallelism", 1, "maximum concurrent (source, shard) runs")
	flags.Int("start-page", 1, "first listing page considered")
	flags.String("catalog", "", "YAML file with extra or replacement source descriptors")
	flags.Bool("dry-run", false, "crawl without delivering records")
	flags.Int("ceiling", 0, "override the hard page ceiling")
	flags.Int("low-threshold", 0, "override the low-item threshold")
	flags.Int("stop-streak", 0, "override the low-page streak that stops a run")
	flags.Int("short-tail-floor", 0, "override the short-tail floor (0 disables)")
	flags.Bool("details", false, "fetch detail pages for names and cities")
	flags.String("render-mode", "", "browser or service")
	flags.String("sink", "", "webhook, pubsub, postgres or memory")
	flags.String("artifacts", "", "none, local, gcs or memory")
	flags.String("listen", "", "address of the status server (empty disables it)")
	flags.Bool("linger", false, "keep the status server up after the crawl")
	return cmd
}

func runCrawlCommand(cmd *cobra.Command, v *viper.Viper, cfgFile string) error {
	cfg, err := loadConfig(cmd, v, cfgFile, crawlFlags)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := server.Build(ctx, cfg)
	if err != nil {
		return fmt.Errorf("build application: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if cerr := app.Close(closeCtx); cerr != nil {
			zap.L().Warn("application close failed", zap.Error(cerr))
		}
	}()

	report, runErr := app.Run(ctx)
	enc := json.NewEncoder(cmd.OutOrStdout())
	for _, s := range report.Summaries {
		if err := enc.Encode(s); err != nil {
			return fmt.Errorf("write summary: %w", err)
		}
	}
	if runErr != nil {
		return fmt.Errorf("crawl failed: %w", runErr)
	}
	zap.L().Info("crawl command finished",
		zap.Int("runs", len(report.Summaries)),
		zap.Int("delivered", report.Delivered()),
	)
	return nil
}
