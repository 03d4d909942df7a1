// Package lock provides the partition locks that keep two runs from writing
// the same (stage, date) partition at once.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"
)

const keyPartitionLock = "meterflow:lock:%s:%s"

var (
	ErrEmptyKey   = errors.New("lock key is empty")
	ErrInvalidTTL = errors.New("lock ttl must be positive")
)

// Locker acquires short-lived exclusive locks. TryLock never blocks; a held
// lock reports ok=false. The returned token must be passed to Release.
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (token string, ok bool, err error)
	Release(ctx context.Context, key, token string) error
}

// PartitionKey names the lock guarding one stage's partition.
func PartitionKey(stage string, date time.Time) string {
	return fmt.Sprintf(keyPartitionLock, stage, date.UTC().Format("2006-01-02"))
}

func validate(key string, ttl time.Duration) error {
	if key == "" {
		return ErrEmptyKey
	}
	if ttl <= 0 {
		return ErrInvalidTTL
	}
	return nil
}
