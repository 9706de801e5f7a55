// Package catalog holds the static per-source descriptors that drive a crawl:
// seed URL, pagination parameter, extraction rules and stop thresholds.
package catalog

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// LinkRule selects listing anchors on a catalog page.
type LinkRule struct {
	// Selector is a CSS selector matching the item anchors.
	Selector string `yaml:"selector"`
	// Attr is the attribute holding the link; defaults to href.
	Attr string `yaml:"attr"`
	// Exclude drops resolved links containing any of these substrings.
	Exclude []string `yaml:"exclude"`
	// MaxItems caps the candidates taken from one page; 0 means no cap.
	MaxItems int `yaml:"max_items"`
}

// FieldRule extracts one detail field. An empty Attr reads the element text.
type FieldRule struct {
	Selector string `yaml:"selector"`
	Attr     string `yaml:"attr"`
}

// DetailRules lists fallbacks per field; the first non-empty match wins.
type DetailRules struct {
	Name []FieldRule `yaml:"name"`
	City []FieldRule `yaml:"city"`
}

// Descriptor is the immutable configuration of one catalog source.
type Descriptor struct {
	SourceID         string
	SeedURL          string
	PageParam        string
	ExtraQuery       map[string]string
	ItemLinks        LinkRule
	Detail           DetailRules
	FetchDetails     bool
	HardPageCeiling  int
	LowItemThreshold int
	StopStreakLength int
	ShortTailFloor   int
	WaitSelector     string
	HydrateDelay     time.Duration
	ScrollPasses     int
}

// PageURL returns the listing URL for the given 1-based page number. Extra
// query parameters are applied first so the page parameter always wins.
func (d Descriptor) PageURL(page int) (string, error) {
	if page < 1 {
		return "", fmt.Errorf("page must be >= 1, got %d", page)
	}
	u, err := url.Parse(d.SeedURL)
	if err != nil {
		return "", fmt.Errorf("parse seed url: %w", err)
	}
	q := u.Query()
	for k, v := range d.ExtraQuery {
		q.Set(k, v)
	}
	q.Set(d.PageParam, strconv.Itoa(page))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Validate reports the first invalid field as a ConfigurationError.
func (d Descriptor) Validate() error {
	if strings.TrimSpace(d.SourceID) == "" {
		return &ConfigurationError{Field: "source_id", Reason: "must be set"}
	}
	u, err := url.Parse(d.SeedURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return &ConfigurationError{Source: d.SourceID, Field: "seed_url", Reason: "must be an absolute URL"}
	}
	if strings.TrimSpace(d.PageParam) == "" {
		return &ConfigurationError{Source: d.SourceID, Field: "page_param", Reason: "must be set"}
	}
	if strings.TrimSpace(d.ItemLinks.Selector) == "" {
		return &ConfigurationError{Source: d.SourceID, Field: "item_links.selector", Reason: "must be set"}
	}
	if d.HardPageCeiling < 1 {
		return &ConfigurationError{Source: d.SourceID, Field: "hard_page_ceiling", Reason: "must be >= 1"}
	}
	if d.LowItemThreshold < 0 {
		return &ConfigurationError{Source: d.SourceID, Field: "low_item_threshold", Reason: "must be >= 0"}
	}
	if d.StopStreakLength < 1 {
		return &ConfigurationError{Source: d.SourceID, Field: "stop_streak_length", Reason: "must be >= 1"}
	}
	if d.ShortTailFloor < 0 {
		return &ConfigurationError{Source: d.SourceID, Field: "short_tail_floor", Reason: "must be >= 0"}
	}
	if d.ItemLinks.MaxItems < 0 {
		return &ConfigurationError{Source: d.SourceID, Field: "item_links.max_items", Reason: "must be >= 0"}
	}
	return nil
}

// Overrides carries operator-supplied replacements for descriptor limits.
// Nil fields keep the descriptor's own value.
type Overrides struct {
	HardPageCeiling  *int
	LowItemThreshold *int
	StopStreakLength *int
	ShortTailFloor   *int
	FetchDetails     *bool
}

// WithOverrides returns a copy of d with the non-nil overrides applied.
func (d Descriptor) WithOverrides(o Overrides) Descriptor {
	out := d.clone()
	if o.HardPageCeiling != nil {
		out.HardPageCeiling = *o.HardPageCeiling
	}
	if o.LowItemThreshold != nil {
		out.LowItemThreshold = *o.LowItemThreshold
	}
	if o.StopStreakLength != nil {
		out.StopStreakLength = *o.StopStreakLength
	}
	if o.ShortTailFloor != nil {
		out.ShortTailFloor = *o.ShortTailFloor
	}
	if o.FetchDetails != nil {
		out.FetchDetails = *o.FetchDetails
	}
	return out
}

func (d Descriptor) clone() Descriptor {
	out := d
	if d.ExtraQuery != nil {
		out.ExtraQuery = make(map[string]string, len(d.ExtraQuery))
		for k, v := range d.ExtraQuery {
			out.ExtraQuery[k] = v
		}
	}
	out.ItemLinks.Exclude = append([]string(nil), d.ItemLinks.Exclude...)
	out.Detail.Name = append([]FieldRule(nil), d.Detail.Name...)
	out.Detail.City = append([]FieldRule(nil), d.Detail.City...)
	return out
}
