package approval

import (
	"context"
	"fmt"

	"github.com/moolen/faultline/internal/diagnosis/types"
)

// Store persists checkpoints of pipelines suspended at the approval gate.
// Implementations must make Save durable before returning.
type Store interface {
	Save(ctx context.Context, cp types.Checkpoint) error

	// Load returns types.ErrPlanNotFound when no checkpoint exists.
	Load(ctx context.Context, planID string) (types.Checkpoint, error)

	// List returns all stored checkpoints ordered by creation time.
	List(ctx context.Context) ([]types.Checkpoint, error)

	// Transition replaces the stored checkpoint with next only while the
	// stored one is still at stage from. It returns types.ErrPlanNotFound
	// when nothing is stored and types.ErrPlanConflict when another caller
	// moved the plan first.
	Transition(ctx context.Context, next types.Checkpoint, from types.CheckpointStage) error

	Delete(ctx context.Context, planID string) error
	Close() error
}

var (
	_ Store = (*FileStore)(nil)
	_ Store = (*SQLiteStore)(nil)
	_ Store = (*RedisStore)(nil)
)

// StoreConfig selects and configures a checkpoint store.
type StoreConfig struct {
	Kind          string
	Path          string
	RedisAddr     string
	RedisDB       int
	RedisPassword string
}

// OpenStore opens the store named by cfg.Kind.
func OpenStore(ctx context.Context, cfg StoreConfig) (Store, error) {
	switch cfg.Kind {
	case "", "file":
		return NewFileStore(cfg.Path)
	case "sqlite":
		return OpenSQLiteStore(cfg.Path)
	case "redis":
		return NewRedisStore(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	default:
		return nil, fmt.Errorf("unknown approval store %q (want file, sqlite or redis)", cfg.Kind)
	}
}

func notFound(planID string) error {
	return fmt.Errorf("%w: %s", types.ErrPlanNotFound, planID)
}

func conflict(planID string, stage types.CheckpointStage) error {
	return fmt.Errorf("%w: plan %s is already %s", types.ErrPlanConflict, planID, stage)
}
