package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"edgecopilot/internal/models"
)

const runKeyPrefix = "edgecopilot:run:"

// ErrRunNotFound is returned when the registry has no record of a run.
var ErrRunNotFound = errors.New("run not found")

// RunRegistry remembers recent runs so feedback can be tied to its session.
// A registry without a client accepts every run id and stores nothing.
type RunRegistry struct {
	client *Client
	ttl    time.Duration
}

func NewRunRegistry(client *Client, ttl time.Duration) *RunRegistry {
	return &RunRegistry{client: client, ttl: ttl}
}

func (r *RunRegistry) enabled() bool {
	return r != nil && r.client != nil && r.client.inner != nil
}

// Register stores run until the registry TTL expires.
func (r *RunRegistry) Register(ctx context.Context, run models.Run) error {
	if !r.enabled() {
		return nil
	}
	return r.client.HSetWithTTL(ctx, runKeyPrefix+run.ID, map[string]interface{}{
		"session_id": run.SessionID,
		"mode":       string(run.Mode),
		"created_at": run.CreatedAt.UTC().Format(time.RFC3339Nano),
	}, r.ttl)
}

// Lookup returns the registered run.
func (r *RunRegistry) Lookup(ctx context.Context, runID string) (models.Run, error) {
	if !r.enabled() {
		return models.Run{ID: runID}, nil
	}
	fields, err := r.client.HGetAll(ctx, runKeyPrefix+runID)
	if errors.Is(err, ErrCacheMiss) {
		return models.Run{}, ErrRunNotFound
	}
	if err != nil {
		return models.Run{}, fmt.Errorf("lookup run: %w", err)
	}
	run := models.Run{
		ID:        runID,
		SessionID: fields["session_id"],
		Mode:      models.RunMode(fields["mode"]),
	}
	if ts, err := time.Parse(time.RFC3339Nano, fields["created_at"]); err == nil {
		run.CreatedAt = ts
	}
	return run, nil
}
