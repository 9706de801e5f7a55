package crawler

import (
	"encoding/json"
	"fmt"
	"time"
)

// fetchedAtLayout matches the millisecond UTC form downstream sheets expect.
const fetchedAtLayout = "2006-01-02T15:04:05.000Z"

// RenderRequest captures everything a Renderer needs for one page.
type RenderRequest struct {
	URL          string
	Timeout      time.Duration
	WaitSelector string
	HydrateDelay time.Duration
	ScrollPasses int
	Screenshot   bool
}

// Page is the rendered document returned by a Renderer.
type Page struct {
	URL        string
	FinalURL   string
	StatusCode int
	HTML       string
	Screenshot []byte
	Duration   time.Duration
}

// BaseURL returns the URL relative links should resolve against.
func (p Page) BaseURL() string {
	if p.FinalURL != "" {
		return p.FinalURL
	}
	return p.URL
}

// RawCandidate is one item link found on a listing page. Href is absolute.
type RawCandidate struct {
	Href        string
	VisibleText string
}

// Detail holds the fields read from an item's own page.
type Detail struct {
	Name string
	City string
}

// PageFetchResult is the outcome of rendering and extracting one listing page.
type PageFetchResult struct {
	SourceID   string
	PageNumber int
	HTTPStatus int
	Candidates []RawCandidate
	RenderErr  error
}

// Record is one listing entry forwarded to the sink.
type Record struct {
	Name      string
	City      string
	Source    string
	DirURL    string
	FetchedAt time.Time
}

type recordJSON struct {
	Name      string `json:"name"`
	City      string `json:"city"`
	Source    string `json:"source"`
	DirURL    string `json:"dirUrl"`
	FetchedAt string `json:"fetchedAt"`
}

// MarshalJSON renders the sink row shape.
func (r Record) MarshalJSON() ([]byte, error) {
	data, err := json.Marshal(recordJSON{
		Name:      r.Name,
		City:      r.City,
		Source:    r.Source,
		DirURL:    r.DirURL,
		FetchedAt: r.FetchedAt.UTC().Format(fetchedAtLayout),
	})
	if err != nil {
		return nil, fmt.Errorf("marshal record: %w", err)
	}
	return data, nil
}

// UnmarshalJSON accepts the sink row shape.
func (r *Record) UnmarshalJSON(data []byte) error {
	var raw recordJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("unmarshal record: %w", err)
	}
	ts, err := time.Parse(time.RFC3339Nano, raw.FetchedAt)
	if err != nil {
		return fmt.Errorf("parse fetchedAt: %w", err)
	}
	*r = Record{Name: raw.Name, City: raw.City, Source: raw.Source, DirURL: raw.DirURL, FetchedAt: ts}
	return nil
}

// Lineage ties a batch back to the pages that produced it.
type Lineage struct {
	RunID     string    `json:"run_id"`
	SourceID  string    `json:"source"`
	Shard     ShardSpec `json:"shard"`
	FirstPage int       `json:"first_page"`
	LastPage  int       `json:"last_page"`
}

// DeliveryBatch is the unit of delivery. It is never split or merged.
type DeliveryBatch struct {
	Records []Record
	Lineage Lineage
}

// Len returns the number of records in the batch.
func (b DeliveryBatch) Len() int {
	return len(b.Records)
}

// StopReason explains why a run ended.
type StopReason string

// Stop reasons reported in RunSummary.
const (
	StopCeiling      StopReason = "ceiling"
	StopLowStreak    StopReason = "lowStreak"
	StopShortTail    StopReason = "shortTail"
	StopFatalError   StopReason = "fatalError"
	StopBotChallenge StopReason = "botChallenge"
	StopCanceled     StopReason = "canceled"
)

// RunState is the mutable state of one (source, shard) run. The controller
// goroutine is its only writer.
type RunState struct {
	Seen                *seenSet
	ConsecutiveLowPages int
	TotalDelivered      int
	CurrentPage         int
	PagesVisited        int
	BatchesDropped      int
	ItemsDropped        int
}

func newRunState() *RunState {
	return &RunState{Seen: newSeenSet()}
}

// RunSummary is the final report of one (source, shard) run.
type RunSummary struct {
	RunID          string     `json:"run_id"`
	SourceID       string     `json:"source"`
	Shard          ShardSpec  `json:"shard"`
	PagesVisited   int        `json:"pages_visited"`
	LastPage       int        `json:"last_page"`
	UniqueItems    int        `json:"unique_items"`
	TotalDelivered int        `json:"total_delivered"`
	BatchesDropped int        `json:"batches_dropped"`
	ItemsDropped   int        `json:"items_dropped"`
	StoppedReason  StopReason `json:"stopped_reason"`
	StartedAt      time.Time  `json:"started_at"`
	FinishedAt     time.Time  `json:"finished_at"`
	Err            error      `json:"-"`
	ErrText        string     `json:"error,omitempty"`
}

// Failed reports whether the run ended on a fatal error.
func (s RunSummary) Failed() bool {
	return s.StoppedReason == StopFatalError
}
