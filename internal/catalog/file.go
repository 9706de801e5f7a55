package catalog

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type fileDescriptor struct {
	SourceID         string            `yaml:"source_id"`
	SeedURL          string            `yaml:"seed_url"`
	PageParam        string            `yaml:"page_param"`
	ExtraQuery       map[string]string `yaml:"extra_query"`
	ItemLinks        LinkRule          `yaml:"item_links"`
	Detail           DetailRules       `yaml:"detail"`
	FetchDetails     bool              `yaml:"fetch_details"`
	HardPageCeiling  *int              `yaml:"hard_page_ceiling"`
	LowItemThreshold *int              `yaml:"low_item_threshold"`
	StopStreakLength *int              `yaml:"stop_streak_length"`
	ShortTailFloor   *int              `yaml:"short_tail_floor"`
	WaitSelector     string            `yaml:"wait_selector"`
	HydrateDelay     string            `yaml:"hydrate_delay"`
	ScrollPasses     int               `yaml:"scroll_passes"`
}

type catalogFile struct {
	Sources []fileDescriptor `yaml:"sources"`
}

// LoadFile reads extra or replacement descriptors from a YAML file. Omitted
// limits fall back to the built-in defaults.
func LoadFile(path string) ([]Descriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog file: %w", err)
	}
	return Parse(data)
}

// Parse decodes a YAML catalog document.
func Parse(data []byte) ([]Descriptor, error) {
	var doc catalogFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, &ConfigurationError{Field: "catalog", Reason: "is not valid YAML", Err: err}
	}
	out := make([]Descriptor, 0, len(doc.Sources))
	for _, fd := range doc.Sources {
		d, err := fd.toDescriptor()
		if err != nil {
			return nil, err
		}
		if err := d.Validate(); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

func (fd fileDescriptor) toDescriptor() (Descriptor, error) {
	d := Descriptor{
		SourceID:         fd.SourceID,
		SeedURL:          fd.SeedURL,
		PageParam:        fd.PageParam,
		ExtraQuery:       fd.ExtraQuery,
		ItemLinks:        fd.ItemLinks,
		Detail:           fd.Detail,
		FetchDetails:     fd.FetchDetails,
		HardPageCeiling:  intOr(fd.HardPageCeiling, defaultHardPageCeiling),
		LowItemThreshold: intOr(fd.LowItemThreshold, defaultLowItemThreshold),
		StopStreakLength: intOr(fd.StopStreakLength, defaultStopStreakLength),
		ShortTailFloor:   intOr(fd.ShortTailFloor, defaultShortTailFloor),
		WaitSelector:     fd.WaitSelector,
		ScrollPasses:     fd.ScrollPasses,
		HydrateDelay:     defaultHydrateDelay,
	}
	if d.PageParam == "" {
		d.PageParam = "page"
	}
	if d.ItemLinks.Attr == "" {
		d.ItemLinks.Attr = "href"
	}
	if len(d.Detail.Name) == 0 {
		d.Detail.Name = append([]FieldRule(nil), defaultNameRules...)
	}
	if fd.HydrateDelay != "" {
		delay, err := time.ParseDuration(fd.HydrateDelay)
		if err != nil {
			return Descriptor{}, &ConfigurationError{Source: fd.SourceID, Field: "hydrate_delay", Reason: "is not a duration", Err: err}
		}
		d.HydrateDelay = delay
	}
	return d, nil
}

func intOr(v *int, def int) int {
	if v == nil {
		return def
	}
	return *v
}
