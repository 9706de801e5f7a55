package catalog

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Built-in source identifiers and the selector that expands to every source.
const (
	TagVenue  = "TagVenue"
	HireSpace = "HireSpace"
	All       = "All"
)

const (
	defaultHardPageCeiling  = 300
	defaultLowItemThreshold = 1
	defaultStopStreakLength = 3
	defaultShortTailFloor   = 5
	defaultHydrateDelay     = 1500 * time.Millisecond
)

var (
	defaultNameRules = []FieldRule{
		{Selector: `h1,h2,[data-testid*="title"]`},
		{Selector: `meta[property="og:title"]`, Attr: "content"},
	}
)

// Builtin returns fresh copies of the descriptors shipped with the binary.
func Builtin() []Descriptor {
	return []Descriptor{
		{
			SourceID:  TagVenue,
			SeedURL:   "https://www.tagvenue.com/uk/search/event-venue",
			PageParam: "page",
			ItemLinks: LinkRule{
				Selector: `a[href*="/rooms/"], a[href*="/venue/"], a[href*="/venues/"], a[href*="/spaces/"], a[href*="/l/"]`,
				Attr:     "href",
				Exclude:  []string{"/search/"},
			},
			Detail: DetailRules{
				Name: append([]FieldRule(nil), defaultNameRules...),
				City: []FieldRule{
					{Selector: `[class*="breadcrumbs"], nav[aria-label*="breadcrumb"], [data-testid*="location"]`},
				},
			},
			HardPageCeiling:  defaultHardPageCeiling,
			LowItemThreshold: defaultLowItemThreshold,
			StopStreakLength: defaultStopStreakLength,
			ShortTailFloor:   defaultShortTailFloor,
			HydrateDelay:     defaultHydrateDelay,
		},
		{
			SourceID:  HireSpace,
			SeedURL:   "https://hirespace.com/Search?budget=30-100000&area=United+Kingdom&googlePlaceId=ChIJqZHHQhE7WgIReiWIMkOg-MQ",
			PageParam: "page",
			ExtraQuery: map[string]string{
				"perPage": "36",
				"sort":    "relevance",
			},
			ItemLinks: LinkRule{
				Selector: `a[href*="/Spaces/"], a[href*="/Space/"]`,
				Attr:     "href",
			},
			Detail: DetailRules{
				Name: append([]FieldRule(nil), defaultNameRules...),
				City: []FieldRule{
					{Selector: `a[href*="city"], [data-testid*="location"], .breadcrumbs, nav[aria-label*="breadcrumb"]`},
				},
			},
			HardPageCeiling:  defaultHardPageCeiling,
			LowItemThreshold: defaultLowItemThreshold,
			StopStreakLength: defaultStopStreakLength,
			ShortTailFloor:   defaultShortTailFloor,
			HydrateDelay:     defaultHydrateDelay,
		},
	}
}

// Registry is the tagged table of descriptors keyed by source ID.
type Registry struct {
	byKey map[string]Descriptor
	order []string
}

// NewRegistry validates and indexes the descriptors. Later entries replace
// earlier ones with the same (case-insensitive) source ID.
func NewRegistry(descriptors ...Descriptor) (*Registry, error) {
	r := &Registry{byKey: make(map[string]Descriptor, len(descriptors))}
	if err := r.Merge(descriptors...); err != nil {
		return nil, err
	}
	return r, nil
}

// DefaultRegistry holds the built-in descriptors.
func DefaultRegistry() *Registry {
	r, err := NewRegistry(Builtin()...)
	if err != nil {
		panic(fmt.Sprintf("builtin catalog invalid: %v", err))
	}
	return r
}

// Merge adds or replaces descriptors.
func (r *Registry) Merge(descriptors ...Descriptor) error {
	for _, d := range descriptors {
		if err := d.Validate(); err != nil {
			return err
		}
		if strings.EqualFold(d.SourceID, All) {
			return &ConfigurationError{Source: d.SourceID, Field: "source_id", Reason: "is reserved"}
		}
		key := strings.ToLower(d.SourceID)
		if _, exists := r.byKey[key]; !exists {
			r.order = append(r.order, key)
		}
		r.byKey[key] = d.clone()
	}
	return nil
}

// Lookup returns the descriptor for id.
func (r *Registry) Lookup(id string) (Descriptor, error) {
	d, ok := r.byKey[strings.ToLower(strings.TrimSpace(id))]
	if !ok {
		return Descriptor{}, &ConfigurationError{
			Source: id,
			Field:  "source",
			Reason: fmt.Sprintf("must be one of %s", strings.Join(r.selectors(), "|")),
			Err:    ErrUnknownSource,
		}
	}
	return d.clone(), nil
}

// Select resolves a source selector: a single source ID or All.
func (r *Registry) Select(selector string) ([]Descriptor, error) {
	if strings.EqualFold(strings.TrimSpace(selector), All) {
		out := make([]Descriptor, 0, len(r.order))
		for _, key := range r.order {
			out = append(out, r.byKey[key].clone())
		}
		return out, nil
	}
	d, err := r.Lookup(selector)
	if err != nil {
		return nil, err
	}
	return []Descriptor{d}, nil
}

// IDs lists the registered source IDs in registration order.
func (r *Registry) IDs() []string {
	out := make([]string, 0, len(r.order))
	for _, key := range r.order {
		out = append(out, r.byKey[key].SourceID)
	}
	return out
}

func (r *Registry) selectors() []string {
	ids := r.IDs()
	sort.Strings(ids)
	return append(ids, All)
}
