package approval

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/moolen/faultline/internal/diagnosis/types"
)

// lockWait bounds how long Transition waits for another process's lock.
const lockWait = 5 * time.Second

// FileStore keeps one JSON document per plan in a directory. Writes go
// through a temp file and rename so a crash never leaves a torn checkpoint.
// Transition additionally holds a <plan>.lock file, created exclusively, so
// processes sharing the directory cannot both advance a plan.
type FileStore struct {
	dir string
	mu  sync.Mutex
}

// NewFileStore creates dir if needed.
func NewFileStore(dir string) (*FileStore, error) {
	dir = filepath.Clean(strings.TrimSpace(dir))
	if dir == "" || dir == "." {
		return nil, errors.New("file store needs a directory")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create checkpoint directory: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) path(planID string) string {
	return filepath.Join(s.dir, filepath.Base(planID)+".json")
}

func (s *FileStore) Save(_ context.Context, cp types.Checkpoint) error {
	if cp.PlanID == "" {
		return &types.ValidationError{Field: "plan_id", Message: "must not be empty"}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.write(cp)
}

func (s *FileStore) write(cp types.Checkpoint) error {
	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}

	tmp, err := os.CreateTemp(s.dir, ".checkpoint-*")
	if err != nil {
		return fmt.Errorf("failed to create temp checkpoint: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write checkpoint: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), s.path(cp.PlanID))
}

func (s *FileStore) Load(_ context.Context, planID string) (types.Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read(s.path(planID), planID)
}

func (s *FileStore) read(path, planID string) (types.Checkpoint, error) {
	var cp types.Checkpoint
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cp, notFound(planID)
	}
	if err != nil {
		return cp, fmt.Errorf("failed to read checkpoint %s: %w", planID, err)
	}
	if err := json.Unmarshal(data, &cp); err != nil {
		return cp, fmt.Errorf("corrupt checkpoint %s: %w", planID, err)
	}
	return cp, nil
}

func (s *FileStore) List(_ context.Context) ([]types.Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}
	var out []types.Checkpoint
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") || strings.HasPrefix(name, ".") {
			continue
		}
		cp, err := s.read(filepath.Join(s.dir, name), strings.TrimSuffix(name, ".json"))
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	sortCheckpoints(out)
	return out, nil
}

func (s *FileStore) Transition(ctx context.Context, next types.Checkpoint, from types.CheckpointStage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	unlock, err := s.lock(ctx, next.PlanID)
	if err != nil {
		return err
	}
	defer unlock()

	cur, err := s.read(s.path(next.PlanID), next.PlanID)
	if err != nil {
		return err
	}
	if stage := cur.Stage(); stage != from {
		return conflict(next.PlanID, stage)
	}
	return s.write(next)
}

// lock creates the plan's lock file exclusively, retrying until lockWait
// or ctx expires.
func (s *FileStore) lock(ctx context.Context, planID string) (func(), error) {
	path := filepath.Join(s.dir, "."+filepath.Base(planID)+".lock")
	deadline := time.Now().Add(lockWait)
	for {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
		if err == nil {
			_ = f.Close()
			return func() { _ = os.Remove(path) }, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("failed to lock checkpoint %s: %w", planID, err)
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("checkpoint %s is locked by another process (%s)", planID, path)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(20 * time.Millisecond):
		}
	}
}

func (s *FileStore) Delete(_ context.Context, planID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := os.Remove(s.path(planID))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

func (s *FileStore) Close() error { return nil }

func sortCheckpoints(cps []types.Checkpoint) {
	sort.SliceStable(cps, func(i, j int) bool {
		if !cps[i].CreatedAt.Equal(cps[j].CreatedAt) {
			return cps[i].CreatedAt.Before(cps[j].CreatedAt)
		}
		return cps[i].PlanID < cps[j].PlanID
	})
}
