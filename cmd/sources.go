package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/JakeFAU/venue-crawler/internal/catalog"
)

var sourcesFlags = []flagBinding{
	{"catalog", "crawl.catalog_file"},
}

type sourceView struct {
	SourceID         string `yaml:"source_id"`
	SeedURL          string `yaml:"seed_url"`
	PageParam        string `yaml:"page_param"`
	FetchDetails     bool   `yaml:"fetch_details"`
	HardPageCeiling  int    `yaml:"hard_page_ceiling"`
	LowItemThreshold int    `yaml:"low_item_threshold"`
	StopStreakLength int    `yaml:"stop_streak_length"`
	ShortTailFloor   int    `yaml:"short_tail_floor"`
}

// newSourcesCmd creates the 'sources' subcommand.
func newSourcesCmd(v *viper.Viper, cfgFile *string) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "sources",
		Short: "List the known source descriptors",
		RunE: func(cmd *cobra.Command, _ []string) error {
			applyFlags(cmd, v, sourcesFlags)
			if *cfgFile != "" {
				v.SetConfigFile(*cfgFile)
				if err := v.ReadInConfig(); err != nil {
					return fmt.Errorf("read config: %w", err)
				}
			}
			registry := catalog.DefaultRegistry()
			if path := v.GetString("crawl.catalog_file"); path != "" {
				extra, err := catalog.LoadFile(path)
				if err != nil {
					return err
				}
				if err := registry.Merge(extra...); err != nil {
					return err
				}
			}
			return writeSources(cmd, registry, output)
		},
	}
	cmd.Flags().String("catalog", "", "YAML file with extra or replacement source descriptors")
	cmd.Flags().StringVarP(&output, "output", "o", "table", "table or yaml")
	return cmd
}

func writeSources(cmd *cobra.Command, registry *catalog.Registry, output string) error {
	views := make([]sourceView, 0, len(registry.IDs()))
	for _, id := range registry.IDs() {
		d, err := registry.Lookup(id)
		if err != nil {
			return err
		}
		views = append(views, sourceView{
			SourceID:         d.SourceID,
			SeedURL:          d.SeedURL,
			PageParam:        d.PageParam,
			FetchDetails:     d.FetchDetails,
			HardPageCeiling:  d.HardPageCeiling,
			LowItemThreshold: d.LowItemThreshold,
			StopStreakLength: d.StopStreakLength,
			ShortTailFloor:   d.ShortTailFloor,
		})
	}

	out := cmd.OutOrStdout()
	switch output {
	case "yaml":
		enc := yaml.NewEncoder(out)
		enc.SetIndent(2)
		if err := enc.Encode(map[string][]sourceView{"sources": views}); err != nil {
			return fmt.Errorf("encode sources: %w", err)
		}
		return enc.Close()
	case "table":
		tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "SOURCE\tCEILING\tTHRESHOLD\tSTREAK\tSHORT_TAIL\tDETAILS")
		for _, s := range views {
			fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\t%t\n",
				s.SourceID, s.HardPageCeiling, s.LowItemThreshold, s.StopStreakLength, s.ShortTailFloor, s.FetchDetails)
		}
		return tw.Flush()
	default:
		return fmt.Errorf("unknown output %q: want table or yaml", output)
	}
}
