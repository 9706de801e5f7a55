package crawler

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/venue-crawler/internal/catalog"
	"github.com/JakeFAU/venue-crawler/internal/governor"
	"github.com/JakeFAU/venue-crawler/internal/metrics"
	"github.com/JakeFAU/venue-crawler/internal/progress"
)

var tracer = otel.Tracer("github.com/JakeFAU/venue-crawler/internal/crawler")

// Options tunes a Controller. Zero fields fall back to DefaultOptions.
type Options struct {
	// StartPage is the first page number considered (default 1).
	StartPage int
	// RenderTimeout bounds each render attempt.
	RenderTimeout time.Duration
	// DetailTimeout bounds each detail page render.
	DetailTimeout time.Duration
	// RenderRetry applies to listing renders.
	RenderRetry RetryPolicy
	// DeliveryRetry applies to batch deliveries.
	DeliveryRetry RetryPolicy
	// DeliveryTimeout bounds each delivery attempt.
	DeliveryTimeout time.Duration
	// DetailCap limits detail fetches per page; later items keep inline values.
	DetailCap int
	// DebugPages saves artifacts for pages 1..DebugPages (and for empty pages).
	DebugPages int
	// ArtifactPrefix is the object path prefix for debug artifacts.
	ArtifactPrefix string
}

// DefaultOptions returns the production tuning.
func DefaultOptions() Options {
	return Options{
		StartPage:       1,
		RenderTimeout:   90 * time.Second,
		DetailTimeout:   120 * time.Second,
		RenderRetry:     RenderRetryPolicy(),
		DeliveryRetry:   DeliveryRetryPolicy(),
		DeliveryTimeout: 30 * time.Second,
		DetailCap:       40,
		DebugPages:      3,
		ArtifactPrefix:  "debug",
	}
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.StartPage < 1 {
		o.StartPage = def.StartPage
	}
	if o.RenderTimeout <= 0 {
		o.RenderTimeout = def.RenderTimeout
	}
	if o.DetailTimeout <= 0 {
		o.DetailTimeout = def.DetailTimeout
	}
	if o.RenderRetry.Attempts < 1 {
		o.RenderRetry = def.RenderRetry
	}
	if o.DeliveryRetry.Attempts < 1 {
		o.DeliveryRetry = def.DeliveryRetry
	}
	if o.DeliveryTimeout <= 0 {
		o.DeliveryTimeout = def.DeliveryTimeout
	}
	if o.DetailCap <= 0 {
		o.DetailCap = def.DetailCap
	}
	if o.DebugPages < 0 {
		o.DebugPages = 0
	}
	if o.ArtifactPrefix == "" {
		o.ArtifactPrefix = def.ArtifactPrefix
	}
	return o
}

// Deps bundles the controller's collaborators. Renderer, Extractor, Deliverer
// and Governor are required.
type Deps struct {
	Renderer Renderer
	// DetailRenderer renders item pages; defaults to Renderer.
	DetailRenderer Renderer
	Extractor      Extractor
	Detector       ChallengeDetector
	Deliverer      Deliverer
	Governor       governor.Scheduler
	Artifacts      ArtifactStore
	Progress       ProgressEmitter
	Clock          Clock
	IDs            IDGenerator
	Logger         *zap.Logger
}

// Controller drives one (source, shard) crawl at a time per call. A single
// Controller may serve concurrent CrawlSource calls; each call owns its state.
type Controller struct {
	deps   Deps
	opts   Options
	logger *zap.Logger
	pauser pauseController
}

// New validates deps and builds a Controller.
func New(deps Deps, opts Options) (*Controller, error) {
	switch {
	case deps.Renderer == nil:
		return nil, fmt.Errorf("renderer: %w", ErrMissingDependency)
	case deps.Extractor == nil:
		return nil, fmt.Errorf("extractor: %w", ErrMissingDependency)
	case deps.Deliverer == nil:
		return nil, fmt.Errorf("deliverer: %w", ErrMissingDependency)
	case deps.Governor == nil:
		return nil, fmt.Errorf("governor: %w", ErrMissingDependency)
	}
	if deps.DetailRenderer == nil {
		deps.DetailRenderer = deps.Renderer
	}
	if deps.Clock == nil {
		deps.Clock = wallClock{}
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{
		deps:   deps,
		opts:   opts.withDefaults(),
		logger: logger.Named("controller"),
		pauser: &timerPauseController{},
	}, nil
}

// run carries everything scoped to one CrawlSource call.
type run struct {
	id      string
	uuid    [16]byte
	desc    catalog.Descriptor
	shard   ShardSpec
	state   *RunState
	clock   *monotonicClock
	logger  *zap.Logger
	started time.Time
}

// pageOutcome is the decision taken for one listing page.
type pageOutcome struct {
	raw       int
	fresh     int
	low       bool
	delivered int
	// challenged is set when a detail page of this page was a challenge.
	challenged bool
	stop       StopReason
}

// CrawlSource walks the pages of desc owned by shard until a stop condition
// holds and reports the result. Page-level failures never abort the run; only
// configuration problems do, before any page is visited.
func (c *Controller) CrawlSource(ctx context.Context, desc catalog.Descriptor, shard ShardSpec) RunSummary {
	r := c.newRun(desc, shard)
	summary := RunSummary{
		RunID:     r.id,
		SourceID:  desc.SourceID,
		Shard:     r.shard,
		StartedAt: r.started,
	}

	if err := c.validate(desc, shard); err != nil {
		return c.finish(r, summary, StopFatalError, err)
	}

	r.logger.Info("crawl starting",
		zap.String("seed_url", desc.SeedURL),
		zap.Int("hard_page_ceiling", desc.HardPageCeiling),
		zap.Int("low_item_threshold", desc.LowItemThreshold),
		zap.Int("stop_streak_length", desc.StopStreakLength),
		zap.Int("short_tail_floor", desc.ShortTailFloor),
		zap.Bool("fetch_details", desc.FetchDetails),
	)
	c.emit(r, progress.Event{Stage: progress.StageRunStart})

	reason := StopCeiling
	for p := c.opts.StartPage; p <= desc.HardPageCeiling; p++ {
		if ctx.Err() != nil {
			reason = StopCanceled
			break
		}
		if !r.shard.Owns(p) {
			continue
		}
		pageCtx, span := tracer.Start(ctx, "crawl.page", trace.WithAttributes(
			attribute.String("source", desc.SourceID),
			attribute.String("shard", r.shard.String()),
			attribute.Int("page", p),
		))
		outcome := c.crawlPage(pageCtx, r, p)
		span.SetAttributes(attribute.Int("items.new", outcome.fresh))
		span.End()
		if outcome.stop != "" {
			reason = outcome.stop
			break
		}
	}
	return c.finish(r, summary, reason, nil)
}

func (c *Controller) newRun(desc catalog.Descriptor, shard ShardSpec) *run {
	id := c.newID()
	var raw [16]byte
	if parsed, err := uuid.Parse(id); err == nil {
		raw = progress.UUIDToBytes(parsed)
	}
	norm := shard.Normalize()
	return &run{
		id:      id,
		uuid:    raw,
		desc:    desc,
		shard:   norm,
		state:   newRunState(),
		clock:   newMonotonicClock(c.deps.Clock),
		started: c.deps.Clock.Now().UTC(),
		logger: c.logger.With(
			zap.String("run_id", id),
			zap.String("source", desc.SourceID),
			zap.String("shard", norm.String()),
		),
	}
}

func (c *Controller) newID() string {
	if c.deps.IDs != nil {
		if id, err := c.deps.IDs.NewID(); err == nil && id != "" {
			return id
		}
	}
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

func (c *Controller) validate(desc catalog.Descriptor, shard ShardSpec) error {
	if err := desc.Validate(); err != nil {
		return err
	}
	if err := shard.Validate(); err != nil {
		var cfgErr *ConfigurationError
		if errors.As(err, &cfgErr) && cfgErr.Source == "" {
			cfgErr.Source = desc.SourceID
		}
		return err
	}
	return nil
}

// crawlPage renders, extracts, deduplicates and delivers one listing page,
// then applies the stop rules.
func (c *Controller) crawlPage(ctx context.Context, r *run, p int) pageOutcome {
	state := r.state
	state.CurrentPage = p
	state.PagesVisited++
	logger := r.logger.With(zap.Int("page", p))

	result, page := c.fetchListing(ctx, r, p)
	if result.RenderErr != nil && ctx.Err() != nil {
		logger.Info("page abandoned on shutdown", zap.Error(result.RenderErr))
		return pageOutcome{stop: StopCanceled}
	}

	if errors.Is(result.RenderErr, ErrBotChallenge) {
		c.saveArtifacts(ctx, r, p, page)
		logger.Warn("bot challenge detected, stopping", zap.String("url", page.BaseURL()))
		metrics.ObservePage(r.desc.SourceID, "challenge")
		c.emit(r, progress.Event{
			Stage:       progress.StagePageFailed,
			Page:        p,
			StatusClass: progress.ClassifyStatus(result.HTTPStatus),
			Dur:         page.Duration,
			Note:        result.RenderErr.Error(),
		})
		return pageOutcome{stop: StopBotChallenge}
	}

	if result.RenderErr != nil {
		state.ConsecutiveLowPages++
		if page.HTML != "" {
			c.saveArtifacts(ctx, r, p, page)
		}
		logger.Warn("page failed, counted as low",
			zap.Error(result.RenderErr),
			zap.Int("status", result.HTTPStatus),
			zap.Int("low_streak", state.ConsecutiveLowPages),
		)
		metrics.ObservePage(r.desc.SourceID, "failed")
		c.emit(r, progress.Event{
			Stage:       progress.StagePageFailed,
			Page:        p,
			LowStreak:   state.ConsecutiveLowPages,
			StatusClass: progress.ClassifyStatus(result.HTTPStatus),
			Dur:         page.Duration,
			Note:        result.RenderErr.Error(),
		})
		out := pageOutcome{low: true}
		if state.ConsecutiveLowPages >= r.desc.StopStreakLength {
			out.stop = StopLowStreak
		}
		return out
	}

	out := pageOutcome{raw: len(result.Candidates)}
	fresh := state.Seen.FilterNew(result.Candidates)
	out.fresh = len(fresh)
	out.low = out.fresh < r.desc.LowItemThreshold

	if p < c.opts.StartPage+c.opts.DebugPages || out.raw == 0 {
		c.saveArtifacts(ctx, r, p, page)
	}

	metrics.ObserveItems(r.desc.SourceID, "raw", out.raw)
	metrics.ObserveItems(r.desc.SourceID, "new", out.fresh)

	if out.low {
		state.ConsecutiveLowPages++
		metrics.ObservePage(r.desc.SourceID, "low")
	} else {
		state.ConsecutiveLowPages = 0
		metrics.ObservePage(r.desc.SourceID, "ok")
		var records []Record
		records, out.challenged = c.buildRecords(ctx, r, fresh)
		batch := buildBatch(Lineage{
			RunID:     r.id,
			SourceID:  r.desc.SourceID,
			Shard:     r.shard,
			FirstPage: p,
			LastPage:  p,
		}, records)
		out.delivered = c.deliver(ctx, r, batch)
	}

	logger.Info("page done",
		zap.Int("items", out.raw),
		zap.Int("new_items", out.fresh),
		zap.Bool("low", out.low),
		zap.Int("delivered", out.delivered),
		zap.Int("low_streak", state.ConsecutiveLowPages),
		zap.Int("total_delivered", state.TotalDelivered),
	)
	c.emit(r, progress.Event{
		Stage:       progress.StagePageDone,
		Page:        p,
		Items:       out.raw,
		NewItems:    out.fresh,
		LowStreak:   state.ConsecutiveLowPages,
		StatusClass: progress.ClassifyStatus(result.HTTPStatus),
		Dur:         page.Duration,
	})

	switch {
	case out.challenged:
		logger.Warn("bot challenge on detail pages, stopping")
		metrics.ObservePage(r.desc.SourceID, "challenge")
		out.stop = StopBotChallenge
	case state.ConsecutiveLowPages >= r.desc.StopStreakLength:
		out.stop = StopLowStreak
	// raw counts distinct item links on the page, so a card linked from both
	// its image and its title counts once.
	case r.desc.ShortTailFloor > 0 && out.raw > 0 && out.raw < r.desc.ShortTailFloor:
		out.stop = StopShortTail
	}
	return out
}

// fetchListing renders page p under the listing governor with the bounded
// render retry, then runs challenge detection and extraction.
func (c *Controller) fetchListing(ctx context.Context, r *run, p int) (PageFetchResult, Page) {
	result := PageFetchResult{SourceID: r.desc.SourceID, PageNumber: p}
	target, err := r.desc.PageURL(p)
	if err != nil {
		result.RenderErr = &RenderError{URL: r.desc.SeedURL, Err: err}
		return result, Page{}
	}

	req := RenderRequest{
		URL:          target,
		Timeout:      c.opts.RenderTimeout,
		WaitSelector: r.desc.WaitSelector,
		HydrateDelay: r.desc.HydrateDelay,
		ScrollPasses: r.desc.ScrollPasses,
		Screenshot:   c.deps.Artifacts != nil && p < c.opts.StartPage+c.opts.DebugPages,
	}

	var page Page
	attempts, err := c.opts.RenderRetry.run(ctx, c.pauser, func(ctx context.Context, attempt int) error {
		rendered, err := governor.Do(ctx, c.deps.Governor, governor.RoleListing, func(ctx context.Context) (Page, error) {
			return c.renderOnce(ctx, c.deps.Renderer, req)
		})
		page = rendered
		if err == nil && c.deps.Detector != nil && c.deps.Detector.IsChallenge(rendered) {
			err = fmt.Errorf("render %s: %w", target, ErrBotChallenge)
		}
		if err != nil {
			r.logger.Debug("page render attempt failed", zap.Int("page", p), zap.Int("attempt", attempt), zap.Error(err))
		}
		return err
	})
	result.HTTPStatus = page.StatusCode
	if err != nil {
		result.RenderErr = err
		if attempts > 1 {
			result.RenderErr = fmt.Errorf("after %d attempts: %w", attempts, err)
		}
		return result, page
	}

	candidates, err := c.deps.Extractor.Extract(page, r.desc.ItemLinks)
	if err != nil {
		result.RenderErr = fmt.Errorf("extract page %d: %w", p, err)
		return result, page
	}
	result.Candidates = candidates
	return result, page
}

func (c *Controller) renderOnce(ctx context.Context, renderer Renderer, req RenderRequest) (Page, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, req.Timeout)
	defer cancel()
	start := time.Now()
	page, err := renderer.Render(attemptCtx, req)
	if page.Duration == 0 {
		page.Duration = time.Since(start)
	}
	if page.URL == "" {
		page.URL = req.URL
	}
	if err == nil && page.StatusCode >= 400 {
		err = NewStatusError(req.URL, page.StatusCode)
	}
	if err != nil {
		var re *RenderError
		if !errors.As(err, &re) && !errors.Is(err, ErrBotChallenge) {
			err = &RenderError{URL: req.URL, Status: page.StatusCode, Err: err}
		}
		metrics.ObserveRender(req.URL, "error", page.Duration)
		return page, err
	}
	metrics.ObserveRender(req.URL, "ok", page.Duration)
	return page, nil
}

// buildRecords turns new candidates into records. In detail mode the first
// DetailCap items are enriched from their own pages under the detail role;
// failures fall back to the inline values. It reports whether any detail page
// was a bot challenge.
func (c *Controller) buildRecords(ctx context.Context, r *run, fresh []RawCandidate) ([]Record, bool) {
	challenged := false
	records := make([]Record, len(fresh))
	for i, cand := range fresh {
		records[i] = Record{
			Name:   normalizeText(cand.VisibleText),
			Source: r.desc.SourceID,
			DirURL: cand.Href,
		}
	}
	if r.desc.FetchDetails && len(fresh) > 0 {
		n := min(len(fresh), c.opts.DetailCap)
		results := governor.FanOut(ctx, c.deps.Governor, governor.RoleDetail, n, func(ctx context.Context, i int) (Detail, error) {
			return c.fetchDetail(ctx, r, fresh[i].Href)
		})
		for i, res := range results {
			if errors.Is(res.Err, ErrBotChallenge) {
				challenged = true
			}
			if res.Err != nil {
				r.logger.Debug("detail fetch failed, keeping inline values", zap.String("url", fresh[i].Href), zap.Error(res.Err))
				continue
			}
			if res.Value.Name != "" {
				records[i].Name = res.Value.Name
			}
			records[i].City = res.Value.City
		}
	}
	for i := range records {
		records[i].FetchedAt = r.clock.Now()
	}
	return records, challenged
}

func (c *Controller) fetchDetail(ctx context.Context, r *run, href string) (Detail, error) {
	page, err := c.renderOnce(ctx, c.deps.DetailRenderer, RenderRequest{
		URL:          href,
		Timeout:      c.opts.DetailTimeout,
		HydrateDelay: r.desc.HydrateDelay,
	})
	if err != nil {
		return Detail{}, err
	}
	if c.deps.Detector != nil && c.deps.Detector.IsChallenge(page) {
		return Detail{}, fmt.Errorf("detail %s: %w", href, ErrBotChallenge)
	}
	detail, err := c.deps.Extractor.ExtractDetail(page, r.desc.Detail)
	if err != nil {
		return Detail{}, fmt.Errorf("extract detail %s: %w", href, err)
	}
	return Detail{Name: normalizeText(detail.Name), City: normalizeText(detail.City)}, nil
}

// deliver sends the batch with the delivery retry policy. A batch that still
// fails is dropped and logged; the crawl continues.
func (c *Controller) deliver(ctx context.Context, r *run, batch DeliveryBatch) int {
	if batch.Len() == 0 {
		return 0
	}
	state := r.state
	attempts, err := c.opts.DeliveryRetry.run(ctx, c.pauser, func(ctx context.Context, attempt int) error {
		attemptCtx, cancel := context.WithTimeout(ctx, c.opts.DeliveryTimeout)
		defer cancel()
		err := c.deps.Deliverer.Deliver(attemptCtx, batch)
		if err != nil {
			metrics.ObserveDeliveryAttempt(r.desc.SourceID, "error")
			r.logger.Warn("batch delivery attempt failed",
				zap.Int("page", batch.Lineage.FirstPage),
				zap.Int("attempt", attempt),
				zap.Error(err),
			)
			return err
		}
		metrics.ObserveDeliveryAttempt(r.desc.SourceID, "ok")
		return nil
	})
	if err != nil {
		state.BatchesDropped++
		state.ItemsDropped += batch.Len()
		metrics.ObserveItems(r.desc.SourceID, "dropped", batch.Len())
		r.logger.Error("batch dropped",
			zap.Int("first_page", batch.Lineage.FirstPage),
			zap.Int("last_page", batch.Lineage.LastPage),
			zap.Int("items", batch.Len()),
			zap.Int("attempts", attempts),
			zap.Error(err),
		)
		c.emit(r, progress.Event{
			Stage: progress.StageBatchDropped,
			Page:  batch.Lineage.FirstPage,
			Items: batch.Len(),
			Note:  err.Error(),
		})
		return 0
	}
	state.TotalDelivered += batch.Len()
	metrics.ObserveItems(r.desc.SourceID, "delivered", batch.Len())
	c.emit(r, progress.Event{
		Stage: progress.StageBatchDelivered,
		Page:  batch.Lineage.FirstPage,
		Items: batch.Len(),
	})
	return batch.Len()
}

// saveArtifacts writes the markup and screenshot of a page. Failures are
// logged only.
func (c *Controller) saveArtifacts(ctx context.Context, r *run, p int, page Page) {
	if c.deps.Artifacts == nil || ctx.Err() != nil {
		return
	}
	base := path.Join(c.opts.ArtifactPrefix, strings.ToLower(r.desc.SourceID), r.id, fmt.Sprintf("p%d", p))
	if page.HTML != "" {
		c.putArtifact(ctx, r, "html", base+".html", "text/html; charset=utf-8", []byte(page.HTML))
	}
	if len(page.Screenshot) > 0 {
		c.putArtifact(ctx, r, "png", base+".png", "image/png", page.Screenshot)
	}
}

func (c *Controller) putArtifact(ctx context.Context, r *run, kind, objectPath, contentType string, data []byte) {
	uri, err := c.deps.Artifacts.PutObject(ctx, objectPath, contentType, bytes.NewReader(data))
	if err != nil {
		metrics.ObserveArtifact(kind, "error")
		r.logger.Warn("debug artifact not saved", zap.String("path", objectPath), zap.Error(err))
		return
	}
	metrics.ObserveArtifact(kind, "ok")
	r.logger.Debug("debug artifact saved", zap.String("uri", uri))
}

func (c *Controller) finish(r *run, summary RunSummary, reason StopReason, err error) RunSummary {
	state := r.state
	summary.PagesVisited = state.PagesVisited
	summary.LastPage = state.CurrentPage
	summary.UniqueItems = state.Seen.Len()
	summary.TotalDelivered = state.TotalDelivered
	summary.BatchesDropped = state.BatchesDropped
	summary.ItemsDropped = state.ItemsDropped
	summary.StoppedReason = reason
	summary.FinishedAt = c.deps.Clock.Now().UTC()
	summary.Err = err
	if err != nil {
		summary.ErrText = err.Error()
	}

	fields := []zap.Field{
		zap.String("reason", string(reason)),
		zap.Int("pages_visited", summary.PagesVisited),
		zap.Int("last_page", summary.LastPage),
		zap.Int("unique_items", summary.UniqueItems),
		zap.Int("total_delivered", summary.TotalDelivered),
		zap.Int("batches_dropped", summary.BatchesDropped),
		zap.Int("items_dropped", summary.ItemsDropped),
	}
	metrics.ObserveRun(r.desc.SourceID, string(reason))
	evt := progress.Event{
		Stage:    progress.StageRunDone,
		Reason:   string(reason),
		Items:    summary.TotalDelivered,
		NewItems: summary.UniqueItems,
		Page:     summary.LastPage,
		Dur:      max(0, summary.FinishedAt.Sub(summary.StartedAt)),
	}
	if err != nil {
		r.logger.Error("crawl aborted", append(fields, zap.Error(err))...)
		evt.Stage = progress.StageRunError
		evt.Note = err.Error()
	} else {
		r.logger.Info("crawl finished", fields...)
	}
	c.emit(r, evt)
	return summary
}

func (c *Controller) emit(r *run, evt progress.Event) {
	if c.deps.Progress == nil {
		return
	}
	evt.RunID = r.uuid
	evt.TS = c.deps.Clock.Now().UTC()
	evt.Source = r.desc.SourceID
	evt.Shard = r.shard.String()
	c.deps.Progress.Emit(evt)
}
