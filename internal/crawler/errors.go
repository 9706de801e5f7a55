package crawler

import (
	"errors"
	"fmt"

	"github.com/JakeFAU/venue-crawler/internal/catalog"
)

var (
	// ErrRenderFailure is wrapped by every render error: navigation failures,
	// timeouts and HTTP status >= 400.
	ErrRenderFailure = errors.New("render failure")
	// ErrExtractionFailure means item anchors matched but none resolved to a URL.
	ErrExtractionFailure = errors.New("extraction failure")
	// ErrDeliveryFailure is wrapped by sink errors.
	ErrDeliveryFailure = errors.New("delivery failure")
	// ErrBotChallenge means the page is a bot-verification wall.
	ErrBotChallenge = errors.New("bot challenge detected")
	// ErrMissingDependency is returned by New when a required collaborator is nil.
	ErrMissingDependency = errors.New("missing dependency")
)

// ConfigurationError is fatal and aborts a run before any page is visited.
type ConfigurationError = catalog.ConfigurationError

// RenderError describes one failed render.
type RenderError struct {
	URL    string
	Status int
	Err    error
}

func (e *RenderError) Error() string {
	if e.Status >= 400 {
		return fmt.Sprintf("render %s: status %d", e.URL, e.Status)
	}
	return fmt.Sprintf("render %s: %v", e.URL, e.Err)
}

func (e *RenderError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrRenderFailure}
	}
	return []error{ErrRenderFailure, e.Err}
}

// NewStatusError builds the RenderError for an HTTP status >= 400.
func NewStatusError(url string, status int) *RenderError {
	return &RenderError{URL: url, Status: status}
}

// DeliveryError describes one failed delivery attempt.
type DeliveryError struct {
	Status int
	Err    error
}

func (e *DeliveryError) Error() string {
	switch {
	case e.Status != 0 && e.Err != nil:
		return fmt.Sprintf("deliver batch: status %d: %v", e.Status, e.Err)
	case e.Status != 0:
		return fmt.Sprintf("deliver batch: status %d", e.Status)
	default:
		return fmt.Sprintf("deliver batch: %v", e.Err)
	}
}

func (e *DeliveryError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrDeliveryFailure}
	}
	return []error{ErrDeliveryFailure, e.Err}
}
