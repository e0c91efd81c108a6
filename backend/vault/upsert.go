package vault

import (
	"context"

	"github.com/stephnangue/secretbroker/logger"
)

const DefaultMergeAttempts = 3

// KV is the subset of Client the Upserter needs.
type KV interface {
	Read(ctx context.Context, path string) (*SecretRecord, error)
	Create(ctx context.Context, path string, data map[string]any) (int, error)
	Replace(ctx context.Context, path string, data map[string]any, version int) (int, error)
	CurrentVersion(ctx context.Context, path string) (int, error)
}

var _ KV = (*Client)(nil)

// Upserter layers create-or-merge on top of strict create and check-and-set
// replace.
type Upserter struct {
	kv       KV
	attempts int
	logger   logger.Logger
}

// NewUpserter creates an Upserter. attempts bounds the read-merge-write
// cycles run after a conflict; values below 1 mean DefaultMergeAttempts.
func NewUpserter(kv KV, attempts int, log logger.Logger) *Upserter {
	if attempts < 1 {
		attempts = DefaultMergeAttempts
	}
	if log == nil {
		log = logger.NewNopLogger()
	}
	return &Upserter{kv: kv, attempts: attempts, logger: log}
}

// Upsert creates path with value, or merges value into the data already there.
// Keys in value win over stored keys. When every merge attempt loses a race
// the last ErrConflict is returned.
func (u *Upserter) Upsert(ctx context.Context, path string, value map[string]any) error {
	_, err := u.kv.Create(ctx, path, value)
	if err == nil {
		return nil
	}
	if !IsConflict(err) {
		return err
	}

	lastErr := err
	for attempt := 1; attempt <= u.attempts; attempt++ {
		merged, version, err := u.prepare(ctx, path, value)
		if err != nil {
			return err
		}

		if _, err := u.kv.Replace(ctx, path, merged, version); err != nil {
			if !IsConflict(err) {
				return err
			}
			lastErr = err
			u.logger.Debug("merge write lost a race",
				logger.String("path", path),
				logger.Int("attempt", attempt),
				logger.Int("version", version))
			continue
		}

		u.logger.Debug("secret merged",
			logger.String("path", path),
			logger.Int("attempt", attempt),
			logger.Strings("keys", keysOf(value)))
		return nil
	}

	u.logger.Warn("giving up on merge after repeated conflicts",
		logger.String("path", path),
		logger.Int("attempts", u.attempts))
	return lastErr
}

// prepare reads the current state and returns the data to write and the
// version it must replace. A latest version that was deleted holds no data
// to merge, but its version number still guards the write.
func (u *Upserter) prepare(ctx context.Context, path string, value map[string]any) (map[string]any, int, error) {
	record, err := u.kv.Read(ctx, path)
	if err == nil {
		return MergeValues(record.Data, value), record.Version, nil
	}
	if !IsNotFound(err) {
		return nil, 0, err
	}

	version, err := u.kv.CurrentVersion(ctx, path)
	if err != nil {
		if IsNotFound(err) {
			// Destroyed since the create; a zero check-and-set recreates it.
			return MergeValues(nil, value), 0, nil
		}
		return nil, 0, err
	}
	return MergeValues(nil, value), version, nil
}

// MergeValues returns a new map holding existing overlaid by incoming.
// Neither input is modified.
func MergeValues(existing, incoming map[string]any) map[string]any {
	merged := make(map[string]any, len(existing)+len(incoming))
	for k, v := range existing {
		merged[k] = v
	}
	for k, v := range incoming {
		merged[k] = v
	}
	return merged
}
