// Package dispatcher fans crawl runs out over sources and shards.
package dispatcher

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/venue-crawler/internal/catalog"
	"github.com/JakeFAU/venue-crawler/internal/crawler"
)

// SourceCrawler runs one (source, shard) crawl to completion.
type SourceCrawler interface {
	CrawlSource(ctx context.Context, desc catalog.Descriptor, shard crawler.ShardSpec) crawler.RunSummary
}

// Plan describes one invocation of the crawler.
type Plan struct {
	Sources []catalog.Descriptor
	// Shard is this process's slice of the page space. Ignored when
	// LocalShards is set.
	Shard crawler.ShardSpec
	// LocalShards runs every shard of an n-way partition in-process.
	LocalShards int
	// Parallelism bounds concurrent runs (default 1).
	Parallelism int
}

// Assignment is one (source, shard) pair scheduled by a Plan.
type Assignment struct {
	Source catalog.Descriptor
	Shard  crawler.ShardSpec
}

// Report collects the summaries of a dispatch in plan order.
type Report struct {
	Summaries []crawler.RunSummary
}

// Failed returns the summaries of runs that ended on a fatal error.
func (r Report) Failed() []crawler.RunSummary {
	var out []crawler.RunSummary
	for _, s := range r.Summaries {
		if s.Failed() {
			out = append(out, s)
		}
	}
	return out
}

// Delivered totals the records accepted by the sink across runs.
func (r Report) Delivered() int {
	total := 0
	for _, s := range r.Summaries {
		total += s.TotalDelivered
	}
	return total
}

// Dispatcher expands a Plan into runs and executes them.
type Dispatcher struct {
	crawler SourceCrawler
	logger  *zap.Logger
}

// New creates a Dispatcher.
func New(c SourceCrawler, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		crawler: c,
		logger:  logger.Named("dispatcher"),
	}
}

// Assignments validates the plan and lists its runs, sources outermost.
// Configuration problems are reported before anything is scheduled.
func (p Plan) Assignments() ([]Assignment, error) {
	if len(p.Sources) == 0 {
		return nil, &crawler.ConfigurationError{Field: "source", Reason: "no sources selected"}
	}
	if p.LocalShards < 0 {
		return nil, &crawler.ConfigurationError{Field: "crawl.local_shards", Reason: "must be >= 0"}
	}
	shards := []crawler.ShardSpec{p.Shard.Normalize()}
	if p.LocalShards > 0 {
		shards = crawler.Shards(p.LocalShards)
	} else if err := p.Shard.Validate(); err != nil {
		return nil, err
	}
	out := make([]Assignment, 0, len(p.Sources)*len(shards))
	for _, desc := range p.Sources {
		if err := desc.Validate(); err != nil {
			return nil, err
		}
		for _, shard := range shards {
			out = append(out, Assignment{Source: desc, Shard: shard})
		}
	}
	return out, nil
}

// Run executes every assignment of the plan and blocks until all finish.
// Runs are independent: a fatal run does not cancel its siblings. The
// returned error joins the errors of failed runs.
func (d *Dispatcher) Run(ctx context.Context, plan Plan) (Report, error) {
	assignments, err := plan.Assignments()
	if err != nil {
		return Report{}, fmt.Errorf("plan crawl: %w", err)
	}

	summaries := make([]crawler.RunSummary, len(assignments))
	var g errgroup.Group
	g.SetLimit(max(1, plan.Parallelism))
	for i, a := range assignments {
		g.Go(func() error {
			d.logger.Debug("run scheduled",
				zap.String("source", a.Source.SourceID),
				zap.String("shard", a.Shard.String()),
			)
			summaries[i] = d.crawler.CrawlSource(ctx, a.Source, a.Shard)
			return nil
		})
	}
	_ = g.Wait()

	report := Report{Summaries: summaries}
	var errs []error
	for _, s := range report.Failed() {
		cause := s.Err
		if cause == nil {
			cause = errors.New(s.ErrText)
		}
		errs = append(errs, fmt.Errorf("%s shard %s: %w", s.SourceID, s.Shard, cause))
	}
	d.logger.Info("dispatch finished",
		zap.Int("runs", len(summaries)),
		zap.Int("failed", len(errs)),
		zap.Int("delivered", report.Delivered()),
	)
	return report, errors.Join(errs...)
}
