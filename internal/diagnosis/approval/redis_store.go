package approval

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/moolen/faultline/internal/diagnosis/types"
)

const (
	redisCheckpointKey = "faultline:approval:checkpoints"
	redisStageKey      = "faultline:approval:stages"

	// RedisEventsChannel receives a message whenever a checkpoint changes.
	RedisEventsChannel = "faultline:approval:events"
)

// transitionScript advances a plan's stage only if it still matches.
// Returns 1 on success, 0 on a stage mismatch and -1 when the plan is gone.
var transitionScript = redis.NewScript(`
local stage = redis.call('HGET', KEYS[2], ARGV[1])
if not stage then return -1 end
if stage ~= ARGV[2] then return 0 end
redis.call('HSET', KEYS[1], ARGV[1], ARGV[4])
redis.call('HSET', KEYS[2], ARGV[1], ARGV[3])
return 1
`)

// PlanEvent is published on RedisEventsChannel.
type PlanEvent struct {
	PlanID          string                `json:"plan_id"`
	InvestigationID string                `json:"investigation_id,omitempty"`
	Status          types.PlanStatus      `json:"status,omitempty"`
	Stage           types.CheckpointStage `json:"stage,omitempty"`
	Deleted         bool                  `json:"deleted,omitempty"`
}

func planEvent(cp types.Checkpoint) PlanEvent {
	return PlanEvent{
		PlanID:          cp.PlanID,
		InvestigationID: cp.Plan.InvestigationID,
		Status:          cp.Plan.Status,
		Stage:           cp.Stage(),
	}
}

// RedisStore keeps checkpoints in a Redis hash so several faultline
// processes can share one approval queue. A second hash holds each plan's
// stage for the compare-and-swap in Transition.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore connects and pings the server.
func NewRedisStore(ctx context.Context, addr, password string, db int) (*RedisStore, error) {
	if addr == "" {
		return nil, errors.New("redis store needs an address")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return &RedisStore{client: client}, nil
}

func (s *RedisStore) Save(ctx context.Context, cp types.Checkpoint) error {
	if cp.PlanID == "" {
		return &types.ValidationError{Field: "plan_id", Message: "must not be empty"}
	}
	payload, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, redisCheckpointKey, cp.PlanID, payload)
		pipe.HSet(ctx, redisStageKey, cp.PlanID, string(cp.Stage()))
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save checkpoint %s: %w", cp.PlanID, err)
	}
	s.publish(ctx, planEvent(cp))
	return nil
}

func (s *RedisStore) Transition(ctx context.Context, next types.Checkpoint, from types.CheckpointStage) error {
	payload, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}
	res, err := transitionScript.Run(ctx, s.client,
		[]string{redisCheckpointKey, redisStageKey},
		next.PlanID, string(from), string(next.Stage()), payload,
	).Int()
	if err != nil {
		return fmt.Errorf("failed to advance checkpoint %s: %w", next.PlanID, err)
	}
	switch res {
	case 1:
		s.publish(ctx, planEvent(next))
		return nil
	case -1:
		return notFound(next.PlanID)
	}
	stage, err := s.client.HGet(ctx, redisStageKey, next.PlanID).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("failed to load stage of %s: %w", next.PlanID, err)
	}
	return conflict(next.PlanID, types.CheckpointStage(stage))
}

func (s *RedisStore) Load(ctx context.Context, planID string) (types.Checkpoint, error) {
	var cp types.Checkpoint
	payload, err := s.client.HGet(ctx, redisCheckpointKey, planID).Bytes()
	if errors.Is(err, redis.Nil) {
		return cp, notFound(planID)
	}
	if err != nil {
		return cp, fmt.Errorf("failed to load checkpoint %s: %w", planID, err)
	}
	if err := json.Unmarshal(payload, &cp); err != nil {
		return cp, fmt.Errorf("corrupt checkpoint %s: %w", planID, err)
	}
	return cp, nil
}

func (s *RedisStore) List(ctx context.Context) ([]types.Checkpoint, error) {
	all, err := s.client.HGetAll(ctx, redisCheckpointKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}
	out := make([]types.Checkpoint, 0, len(all))
	for id, payload := range all {
		var cp types.Checkpoint
		if err := json.Unmarshal([]byte(payload), &cp); err != nil {
			return nil, fmt.Errorf("corrupt checkpoint %s: %w", id, err)
		}
		out = append(out, cp)
	}
	sortCheckpoints(out)
	return out, nil
}

func (s *RedisStore) Delete(ctx context.Context, planID string) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HDel(ctx, redisCheckpointKey, planID)
		pipe.HDel(ctx, redisStageKey, planID)
		return nil
	})
	if err != nil {
		return err
	}
	s.publish(ctx, PlanEvent{PlanID: planID, Deleted: true})
	return nil
}

// Subscribe returns a subscription to checkpoint change events.
func (s *RedisStore) Subscribe(ctx context.Context) *redis.PubSub {
	return s.client.Subscribe(ctx, RedisEventsChannel)
}

// Events decodes the checkpoint change feed until ctx ends. The channel is
// closed when the subscription stops.
func (s *RedisStore) Events(ctx context.Context) (<-chan PlanEvent, error) {
	sub := s.Subscribe(ctx)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", RedisEventsChannel, err)
	}
	out := make(chan PlanEvent)
	go func() {
		defer close(out)
		defer sub.Close()
		messages := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-messages:
				if !ok {
					return
				}
				var ev PlanEvent
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					continue
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// publish is best effort; the hash is the source of truth.
func (s *RedisStore) publish(ctx context.Context, ev PlanEvent) {
	msg, err := json.Marshal(ev)
	if err != nil {
		return
	}
	_ = s.client.Publish(ctx, RedisEventsChannel, msg).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
