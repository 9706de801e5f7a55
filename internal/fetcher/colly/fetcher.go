// Package collyfetcher renders pages through a hosted rendering service
// using gocolly.
package collyfetcher

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/venue-crawler/internal/crawler"
	"github.com/JakeFAU/venue-crawler/internal/policy/ratelimit"
)

// DefaultServiceURL is the ScraperAPI endpoint.
const DefaultServiceURL = "https://api.scraperapi.com/"

const (
	defaultCountryCode = "gb"
	defaultTimeout     = 90 * time.Second
	maxBodySize        = 20 << 20
	finalURLHeader     = "Sa-Final-Url"
)

// Config controls collector behavior.
type Config struct {
	ServiceURL  string
	APIKey      string
	CountryCode string
	UserAgent   string
	Timeout     time.Duration
}

// Renderer implements crawler.Renderer by asking the render service for the
// hydrated DOM of a target URL.
type Renderer struct {
	cfg           Config
	limiter       *ratelimit.Limiter
	baseCollector *colly.Collector
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Renderer. An API key is required.
func New(cfg Config, limiter *ratelimit.Limiter) (*Renderer, error) {
	if cfg.APIKey == "" {
		return nil, &crawler.ConfigurationError{Field: "render.api_key", Reason: "required for render service mode"}
	}
	if cfg.ServiceURL == "" {
		cfg.ServiceURL = DefaultServiceURL
	}
	if _, err := url.Parse(cfg.ServiceURL); err != nil {
		return nil, &crawler.ConfigurationError{Field: "render.service_url", Reason: err.Error()}
	}
	if cfg.CountryCode == "" {
		cfg.CountryCode = defaultCountryCode
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}

	c := colly.NewCollector(colly.Async(false))
	c.AllowURLRevisit = true
	c.IgnoreRobotsTxt = true
	c.ParseHTTPErrorResponse = true
	c.MaxBodySize = maxBodySize
	if cfg.UserAgent != "" {
		c.UserAgent = cfg.UserAgent
	}
	// The backend client is shared by clones; per-request deadlines come
	// from the caller's context.
	c.SetRequestTimeout(cfg.Timeout)
	c.WithTransport(newRetryTransport(newHTTPTransport()))

	return &Renderer{
		cfg:           cfg,
		limiter:       limiter,
		baseCollector: c,
	}, nil
}

// Render fetches req.URL through the render service.
func (r *Renderer) Render(ctx context.Context, req crawler.RenderRequest) (crawler.Page, error) {
	if err := r.limiter.Wait(ctx, req.URL); err != nil {
		return crawler.Page{}, err
	}
	serviceURL, err := r.serviceURL(req)
	if err != nil {
		return crawler.Page{}, err
	}

	var (
		page     = crawler.Page{URL: req.URL, FinalURL: req.URL}
		fetchErr error
	)
	collector := r.buildCollector(req, time.Now(), &page, &fetchErr)
	if err := r.runCollector(ctx, collector, serviceURL, &fetchErr); err != nil {
		if ctx.Err() != nil {
			// The visit goroutine may still own page.
			return crawler.Page{URL: req.URL}, &crawler.RenderError{URL: req.URL, Err: err}
		}
		return page, &crawler.RenderError{URL: req.URL, Err: err}
	}
	r.limiter.ReportResult(req.URL, page.StatusCode)
	if page.StatusCode >= http.StatusBadRequest {
		return page, crawler.NewStatusError(req.URL, page.StatusCode)
	}
	return page, nil
}

func (r *Renderer) serviceURL(req crawler.RenderRequest) (string, error) {
	u, err := url.Parse(r.cfg.ServiceURL)
	if err != nil {
		return "", fmt.Errorf("parse service url: %w", err)
	}
	q := u.Query()
	q.Set("api_key", r.cfg.APIKey)
	q.Set("render", "true")
	q.Set("country_code", r.cfg.CountryCode)
	q.Set("keep_headers", "true")
	if req.WaitSelector != "" {
		q.Set("wait_for_selector", req.WaitSelector)
	}
	q.Set("url", req.URL)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (r *Renderer) buildCollector(
	req crawler.RenderRequest,
	start time.Time,
	page *crawler.Page,
	fetchErr *error,
) *colly.Collector {
	collector := r.baseCollector.Clone()
	r.configureCollectorHooks(collector, req, start, page, fetchErr)
	return collector
}

func (r *Renderer) configureCollectorHooks(
	hooks collectorHooks,
	req crawler.RenderRequest,
	start time.Time,
	page *crawler.Page,
	fetchErr *error,
) {
	hooks.OnRequest(func(cr *colly.Request) {
		cr.Headers.Set("Accept", "text/html,application/xhtml+xml")
	})

	hooks.OnResponse(func(resp *colly.Response) {
		finalURL := req.URL
		if resp.Headers != nil {
			if v := resp.Headers.Get(finalURLHeader); v != "" {
				finalURL = v
			}
		}
		*page = crawler.Page{
			URL:        req.URL,
			FinalURL:   finalURL,
			StatusCode: resp.StatusCode,
			HTML:       string(resp.Body),
			Duration:   time.Since(start),
		}
	})

	hooks.OnError(func(resp *colly.Response, err error) {
		if resp != nil && resp.StatusCode > 0 {
			page.StatusCode = resp.StatusCode
		}
		*fetchErr = err
	})
}

func (r *Renderer) runCollector(ctx context.Context, collector *colly.Collector, target string, fetchErr *error) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(target)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("render service canceled: %w", ctx.Err())
	case err := <-done:
		if *fetchErr != nil {
			return fmt.Errorf("render service response: %w", *fetchErr)
		}
		if err != nil {
			return fmt.Errorf("render service visit: %w", err)
		}
		return nil
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
