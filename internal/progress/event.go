// Package progress defines the event structures emitted by crawl runs.
package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Stage denotes the type of milestone represented by an Event.
type Stage string

// Supported progress stages.
const (
	StageRunStart       Stage = "RUN_START"
	StagePageDone       Stage = "PAGE_DONE"
	StagePageFailed     Stage = "PAGE_FAILED"
	StageBatchDelivered Stage = "BATCH_DELIVERED"
	StageBatchDropped   Stage = "BATCH_DROPPED"
	StageRunDone        Stage = "RUN_DONE"
	StageRunError       Stage = "RUN_ERROR"
)

func (s Stage) isLifecycle() bool {
	return s == StageRunStart || s == StageRunDone || s == StageRunError
}

// StatusClass is a coarse HTTP response grouping.
type StatusClass string

// Supported HTTP status classes tracked for page renders.
const (
	Status2xx   StatusClass = "2xx"
	Status3xx   StatusClass = "3xx"
	Status4xx   StatusClass = "4xx"
	Status5xx   StatusClass = "5xx"
	StatusOther StatusClass = "other"
)

// Event captures a single step of crawl progress.
type Event struct {
	// RunID identifies one (source, shard) run using the 16-byte UUID form.
	RunID [16]byte
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time
	// Stage denotes which milestone occurred.
	Stage Stage
	// Source is the catalog source ID.
	Source string
	// Shard is the shard label, e.g. "0/2".
	Shard string
	// Page is the listing page number for page and batch events.
	Page int
	// Items is the raw candidate count of a page or the size of a batch.
	Items int
	// NewItems counts items not seen earlier in the run.
	NewItems int
	// LowStreak is the consecutive low page count after this page.
	LowStreak int
	// StatusClass groups the HTTP status of the render.
	StatusClass StatusClass
	// Dur captures render latency for pages and total runtime for runs.
	Dur time.Duration
	// Reason carries the stop reason on RUN_DONE and RUN_ERROR.
	Reason string
	// Note lets emitters attach low-volume debug context (e.g. error text).
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.RunID == [16]byte{} {
		return errors.New("run id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	if e.Source == "" {
		return errors.New("source is required")
	}
	switch e.Stage {
	case StageRunStart:
	case StagePageDone, StagePageFailed, StageBatchDelivered, StageBatchDropped:
		if e.Page < 1 {
			return fmt.Errorf("%s requires page", e.Stage)
		}
	case StageRunDone, StageRunError:
		if e.Reason == "" {
			return fmt.Errorf("%s requires reason", e.Stage)
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	if e.Items < 0 || e.NewItems < 0 {
		return errors.New("item counts must be >= 0")
	}
	return nil
}

// RunUUID converts the binary run ID to uuid.UUID.
func (e Event) RunUUID() uuid.UUID {
	return uuid.UUID(e.RunID)
}

// UUIDToBytes encodes a uuid.UUID into the Event form.
func UUIDToBytes(id uuid.UUID) [16]byte {
	var dest [16]byte
	copy(dest[:], id[:])
	return dest
}

// ClassifyStatus groups HTTP status codes for page events.
func ClassifyStatus(code int) StatusClass {
	switch {
	case code >= 200 && code < 300:
		return Status2xx
	case code >= 300 && code < 400:
		return Status3xx
	case code >= 400 && code < 500:
		return Status4xx
	case code >= 500 && code < 600:
		return Status5xx
	default:
		return StatusOther
	}
}
