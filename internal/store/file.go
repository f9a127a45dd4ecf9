package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/mitchellh/go-homedir"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-replay/api/schemas"
	"github.com/xkilldash9x/scalpel-replay/internal/export"
)

const fileExt = ".json"

// FileStore keeps one export envelope per recording in a directory.
type FileStore struct {
	dir string
	log *zap.Logger
}

var _ Repository = (*FileStore)(nil)

// NewFileStore expands a leading ~ in dir and creates it if needed.
func NewFileStore(dir string, logger *zap.Logger) (*FileStore, error) {
	expanded, err := homedir.Expand(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to expand store directory %q: %w", dir, err)
	}
	if err := os.MkdirAll(expanded, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}
	return &FileStore{dir: expanded, log: logger.Named("store")}, nil
}

// Dir is the resolved storage directory.
func (s *FileStore) Dir() string { return s.dir }

func (s *FileStore) path(id string) string {
	return filepath.Join(s.dir, id+fileExt)
}

// Save writes rec through a temp file so readers never see a partial envelope.
func (s *FileStore) Save(ctx context.Context, rec *schemas.Recording) error {
	if err := validateID(rec.ID); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := export.ToJSON(rec)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(s.dir, "."+rec.ID+"-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write recording %s: %w", rec.ID, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write recording %s: %w", rec.ID, err)
	}
	if err := os.Rename(tmp.Name(), s.path(rec.ID)); err != nil {
		return fmt.Errorf("failed to move recording %s into place: %w", rec.ID, err)
	}
	s.log.Debug("Recording saved.", zap.String("recording_id", rec.ID), zap.String("dir", s.dir))
	return nil
}

func (s *FileStore) Get(ctx context.Context, id string) (*schemas.Recording, error) {
	if err := validateID(id); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.path(id))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrRecordingNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read recording %s: %w", id, err)
	}
	return export.FromJSON(data)
}

// List skips files that fail to decode and logs them.
func (s *FileStore) List(ctx context.Context) ([]schemas.RecordingSummary, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read store directory: %w", err)
	}

	list := []schemas.RecordingSummary{}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, fileExt) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rec, err := s.Get(ctx, strings.TrimSuffix(name, fileExt))
		if err != nil {
			s.log.Warn("Skipping unreadable recording file.", zap.String("file", name), zap.Error(err))
			continue
		}
		list = append(list, rec.Summary())
	}
	sort.SliceStable(list, func(i, j int) bool {
		if list[i].StartTime != list[j].StartTime {
			return list[i].StartTime > list[j].StartTime
		}
		return list[i].ID < list[j].ID
	})
	return list, nil
}

func (s *FileStore) Delete(ctx context.Context, id string) error {
	if err := validateID(id); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	err := os.Remove(s.path(id))
	if errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: %s", ErrRecordingNotFound, id)
	}
	if err != nil {
		return fmt.Errorf("failed to delete recording %s: %w", id, err)
	}
	return nil
}
