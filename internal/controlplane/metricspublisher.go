package controlplane

import (
	"context"
	"encoding/json"

	"github.com/notifypush/server/internal/wire"
)

// Commands is the narrow bus command surface the publisher needs.
type Commands interface {
	Set(ctx context.Context, key, value string) error
}

// MetricsPublisher answers notify_query "metrics" by writing the current
// counter values as JSON onto the well-known bus key, per §4.6.
type MetricsPublisher struct {
	cmds     Commands
	snapshot func() (json.RawMessage, error)
}

// NewMetricsPublisher builds a MetricsPublisher. snapshot must return the
// current metrics encoded as JSON.
func NewMetricsPublisher(cmds Commands, snapshot func() (json.RawMessage, error)) *MetricsPublisher {
	return &MetricsPublisher{cmds: cmds, snapshot: snapshot}
}

// PublishMetrics writes the current snapshot to the well-known key.
func (p *MetricsPublisher) PublishMetrics(ctx context.Context) error {
	body, err := p.snapshot()
	if err != nil {
		return err
	}
	return p.cmds.Set(ctx, wire.KeyMetricsResponse, string(body))
}
