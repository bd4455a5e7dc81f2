package store

import (
	"context"

	"github.com/cwbudde/trialflow/internal/codec"
)

// Store persists encoded snapshot documents.
//
// Error handling conventions:
//   - Load returns a *NotFoundError (errors.Is(err, ErrNotFound)) when no
//     snapshot has been saved yet
//   - I/O and database errors are wrapped with context
type Store interface {
	// Save durably writes doc, replacing or superseding earlier snapshots.
	// A reader never observes a partially written document.
	Save(ctx context.Context, doc codec.Document) error

	// Load returns the most recent document.
	Load(ctx context.Context) (codec.Document, error)
}

// ErrNotFound is returned when a requested snapshot does not exist.
// Use errors.Is(err, ErrNotFound) to check for this error.
var ErrNotFound = &NotFoundError{}

// NotFoundError represents a missing snapshot.
type NotFoundError struct {
	Location string
}

func (e *NotFoundError) Error() string {
	if e.Location != "" {
		return "snapshot not found: " + e.Location
	}
	return "snapshot not found"
}

func (e *NotFoundError) Is(target error) bool {
	_, ok := target.(*NotFoundError)
	return ok
}

// Multi saves to every store and loads from the first.
type Multi []Store

func (m Multi) Save(ctx context.Context, doc codec.Document) error {
	for _, s := range m {
		if err := s.Save(ctx, doc); err != nil {
			return err
		}
	}
	return nil
}

func (m Multi) Load(ctx context.Context) (codec.Document, error) {
	if len(m) == 0 {
		return codec.Document{}, ErrNotFound
	}
	return m[0].Load(ctx)
}
