package bus

import (
	"context"
	"time"
)

// Commands is a small SET/GET/DEL client over the same bus used by the
// control plane to publish metrics snapshots and diagnostic values onto
// well-known keys, and by the HTTP surface to read them back.
type Commands struct {
	cli client
}

// NewCommands builds a Commands client sharing the connection shape of a
// Subscriber, but usable independently (e.g. from the HTTP handlers).
func NewCommands(opt Options) *Commands {
	return &Commands{cli: newClient(opt)}
}

const commandTimeout = 5 * time.Second

// Set writes value to key with no expiry, overwriting any previous value.
func (c *Commands) Set(ctx context.Context, key, value string) error {
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()
	return c.cli.Set(ctx, key, value, 0).Err()
}

// Get reads key, returning ("", nil) if it does not exist.
func (c *Commands) Get(ctx context.Context, key string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()
	v, err := c.cli.Get(ctx, key).Result()
	if err != nil {
		if isNilReply(err) {
			return "", nil
		}
		return "", err
	}
	return v, nil
}

// Del removes key.
func (c *Commands) Del(ctx context.Context, key string) error {
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()
	return c.cli.Del(ctx, key).Err()
}

// Close releases the underlying client.
func (c *Commands) Close() error { return c.cli.Close() }
