package crawler

import (
	"context"
	"io"
	"time"

	"github.com/JakeFAU/venue-crawler/internal/catalog"
	"github.com/JakeFAU/venue-crawler/internal/progress"
)

// Renderer loads a URL in a JavaScript-capable engine and returns the
// resulting markup. Status >= 400 must be reported as a *RenderError.
type Renderer interface {
	Render(ctx context.Context, req RenderRequest) (Page, error)
}

// Extractor turns rendered markup into candidates and detail fields.
type Extractor interface {
	Extract(page Page, rule catalog.LinkRule) ([]RawCandidate, error)
	ExtractDetail(page Page, rules catalog.DetailRules) (Detail, error)
}

// ChallengeDetector recognizes bot-verification walls.
type ChallengeDetector interface {
	IsChallenge(page Page) bool
}

// Deliverer forwards one batch to the sink. Success means the sink accepted
// every record of the batch.
type Deliverer interface {
	Deliver(ctx context.Context, batch DeliveryBatch) error
}

// ArtifactStore writes debug artifacts and returns a URI.
type ArtifactStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// ProgressEmitter receives progress events. Emit must not block.
type ProgressEmitter interface {
	Emit(evt progress.Event)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces run IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
