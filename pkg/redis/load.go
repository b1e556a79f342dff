package redis

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
)

// KV is the part of a client the load generator needs.
type KV interface {
	Set(ctx context.Context, key, value string) error
	Get(ctx context.Context, key string) (string, error)
}

// GenerateLoad writes n key/value pairs and reads each back. It returns the
// number of commands that completed.
func GenerateLoad(ctx context.Context, kv KV, n int) (int, error) {
	ops := 0
	for i := 0; i < n; i++ {
		key := fmt.Sprintf("key_%d", i)
		value := fmt.Sprintf("value_%d", i)

		if err := kv.Set(ctx, key, value); err != nil {
			return ops, errors.Wrapf(err, "set %s", key)
		}
		ops++

		got, err := kv.Get(ctx, key)
		if err != nil {
			return ops, errors.Wrapf(err, "get %s", key)
		}
		ops++

		if got != value {
			return ops, errors.Errorf("read back %q for %s, wrote %q", got, key, value)
		}
	}
	return ops, nil
}
