package farm

import (
	"context"
	"io"
	"time"
)

// WorkSource yields pending work and records completions.
type WorkSource interface {
	// ListPending returns items not yet marked done, in source order.
	ListPending(ctx context.Context) ([]WorkItem, error)
	// MarkDone records completion. Calling it twice for the same item is a no-op.
	MarkDone(ctx context.Context, item WorkItem) error
}

// RejectionMarker is implemented by sources that can remember prompts the
// remote site refused so later runs skip them.
type RejectionMarker interface {
	MarkRejected(ctx context.Context, item WorkItem) error
}

// SessionProvider acquires and releases remote browser instances.
type SessionProvider interface {
	Open(ctx context.Context, id string) (Endpoint, error)
	Close(ctx context.Context, id string) error
}

// Driver attaches an automation context to a remote browser.
type Driver interface {
	Attach(ctx context.Context, endpoint Endpoint) (Page, error)
}

// Page drives the generation workflow on one attached browser. A Page is
// owned by a single goroutine.
type Page interface {
	Submit(ctx context.Context, prompt, aspectRatio string) error
	AwaitResult(ctx context.Context, timeout time.Duration) ([]Artifact, error)
	ReadQuota(ctx context.Context) (int, error)
	Alive(ctx context.Context) bool
	Close() error
}

// ArtifactSink persists generated artifacts for an item and returns their URIs.
type ArtifactSink interface {
	Save(ctx context.Context, item WorkItem, artifacts []Artifact) ([]string, error)
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
	// Exists reports whether an object is already stored at path.
	Exists(ctx context.Context, path string) (bool, error)
}

// Publisher pushes completion notices to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Hasher computes digests for artifact integrity.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time and sleeps (useful for testing).
type Clock interface {
	Now() time.Time
	// Sleep pauses for d unless ctx ends first and reports whether d elapsed.
	Sleep(ctx context.Context, d time.Duration) bool
}

// Pacer inserts randomized pauses between remote-facing actions.
type Pacer interface {
	Delay(ctx context.Context)
}
