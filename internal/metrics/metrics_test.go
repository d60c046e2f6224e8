package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"

	"github.com/notifypush/server/internal/wire"
)

func TestMetricsSnapshotReflectsCounters(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.AddConnection()
	m.AddConnection()
	m.RemoveConnection()
	m.AddUser("alice")
	m.AddMappingQuery()
	m.AddEvent()
	m.AddMessage(wire.TypeFile)
	m.AddMessage(wire.TypeFileId)
	m.AddMessage(wire.TypeActivity)
	m.AddMessage(wire.TypeCustom)

	snap := m.Snapshot()
	assert.Equal(t, 1, snap.ActiveConnectionCount)
	assert.Equal(t, 1, snap.ActiveUserCount)
	assert.Equal(t, 2, snap.TotalConnectionCount)
	assert.Equal(t, 1, snap.MappingQueryCount)
	assert.Equal(t, 1, snap.EventsReceived)
	assert.Equal(t, 4, snap.MessagesSent)
	assert.Equal(t, 2, snap.MessagesSentFile)
	assert.Equal(t, 1, snap.MessagesSentActivity)
	assert.Equal(t, 1, snap.MessagesSentCustom)
}

func TestMetricsMarshalJSONMatchesSnapshot(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.AddEvent()

	body, err := m.MarshalJSON()
	assert.NoError(t, err)
	assert.Contains(t, string(body), `"events_received":1`)
}
