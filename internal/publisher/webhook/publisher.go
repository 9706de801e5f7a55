// Package webhook delivers record batches to an HTTP endpoint.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/JakeFAU/venue-crawler/internal/crawler"
)

const maxErrorBody = 512

// Config controls the webhook deliverer.
type Config struct {
	Endpoint  string
	Token     string
	UserAgent string
	// Client defaults to an http.Client without its own timeout; attempts are
	// bounded by the caller's context.
	Client *http.Client
}

// Publisher POSTs {token, rows} for each batch.
type Publisher struct {
	endpoint  string
	token     string
	userAgent string
	client    *http.Client
}

type payload struct {
	Token string           `json:"token"`
	Rows  []crawler.Record `json:"rows"`
}

// New validates the endpoint and builds a Publisher.
func New(cfg Config) (*Publisher, error) {
	u, err := url.Parse(strings.TrimSpace(cfg.Endpoint))
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, &crawler.ConfigurationError{Field: "sink.endpoint", Reason: "must be an http(s) URL"}
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Transport: http.DefaultTransport}
	}
	return &Publisher{
		endpoint:  u.String(),
		token:     cfg.Token,
		userAgent: cfg.UserAgent,
		client:    client,
	}, nil
}

// Deliver sends one batch. Any 2xx status is success.
func (p *Publisher) Deliver(ctx context.Context, batch crawler.DeliveryBatch) error {
	body, err := json.Marshal(payload{Token: p.token, Rows: batch.Records})
	if err != nil {
		return &crawler.DeliveryError{Err: fmt.Errorf("marshal batch: %w", err)}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(body))
	if err != nil {
		return &crawler.DeliveryError{Err: fmt.Errorf("build request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	if p.userAgent != "" {
		req.Header.Set("User-Agent", p.userAgent)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return &crawler.DeliveryError{Err: fmt.Errorf("post batch: %w", err)}
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		var cause error
		if msg := strings.TrimSpace(string(snippet)); msg != "" {
			cause = errors.New(msg)
		}
		return &crawler.DeliveryError{Status: resp.StatusCode, Err: cause}
	}
	return nil
}

// Ping checks that the endpoint answers at all; used by the readiness probe.
func (p *Publisher) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.endpoint, nil)
	if err != nil {
		return fmt.Errorf("build ping request: %w", err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("ping webhook: %w", err)
	}
	_ = resp.Body.Close()
	return nil
}
