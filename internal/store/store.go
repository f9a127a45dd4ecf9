package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	jsoniter "github.com/json-iterator/go"

	"github.com/xkilldash9x/scalpel-replay/api/schemas"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var (
	ErrRecordingNotFound = errors.New("recording not found")
	ErrInvalidID         = errors.New("invalid recording id")
)

// Repository persists finished recordings.
type Repository interface {
	Save(ctx context.Context, rec *schemas.Recording) error
	Get(ctx context.Context, id string) (*schemas.Recording, error)
	// List returns summaries, newest first.
	List(ctx context.Context) ([]schemas.RecordingSummary, error)
	Delete(ctx context.Context, id string) error
}

// validateID rejects ids that could escape a directory or a key space.
func validateID(id string) error {
	if id == "" {
		return fmt.Errorf("%w: empty", ErrInvalidID)
	}
	if strings.ContainsAny(id, `/\`) || strings.Contains(id, "..") || len(id) > 128 {
		return fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return nil
}
