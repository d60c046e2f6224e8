package connection

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/notifypush/server/internal/model"
	"github.com/notifypush/server/internal/wire"
)

func TestSendQueueImmediateTypesBypassCoalescing(t *testing.T) {
	q := NewSendQueue()
	now := time.Now()

	for _, msg := range []wire.OutboundMessage{wire.Authenticated(), wire.Err("bad"), wire.Custom("x", nil)} {
		got := q.Push(msg, now)
		require.NotNil(t, got)
		assert.Equal(t, msg.Type(), got.Type())
	}
	assert.False(t, q.Pending())
}

func TestSendQueueCoalescesFileEvents(t *testing.T) {
	q := NewSendQueue()
	now := time.Now()

	got := q.Push(wire.NotifyFile(), now)
	assert.Nil(t, got)
	assert.True(t, q.Pending())

	// A slot's very first message is gated only by minSettleTime, since its
	// synthetic "last sent" time starts far in the past.
	assert.Empty(t, q.Drain(now.Add(10*time.Millisecond)))

	flushed := q.Drain(now.Add(25 * time.Millisecond))
	require.Len(t, flushed, 1)
	assert.Equal(t, wire.TypeFile, flushed[0].Type())
	assert.False(t, q.Pending())

	// Once a slot has flushed, the next flush must wait out a full
	// CoalesceWindow from that flush, even once settled.
	lastFlush := now.Add(25 * time.Millisecond)
	got = q.Push(wire.NotifyFile(), lastFlush.Add(5*time.Millisecond))
	assert.Nil(t, got)

	assert.Empty(t, q.Drain(lastFlush.Add(CoalesceWindow-time.Millisecond)))

	flushed = q.Drain(lastFlush.Add(CoalesceWindow + minSettleTime + time.Millisecond))
	require.Len(t, flushed, 1)
	assert.False(t, q.Pending())
}

func TestSendQueueMergesFileIdsWithinWindow(t *testing.T) {
	q := NewSendQueue()
	now := time.Now()

	q.Push(wire.NotifyFileId([]model.FileId{1}), now)
	q.Push(wire.NotifyFileId([]model.FileId{2}), now.Add(5*time.Millisecond))

	flushed := q.Drain(now.Add(CoalesceWindow + minSettleTime + 10*time.Millisecond))
	require.Len(t, flushed, 1)
	encoded, err := flushed[0].Encode()
	require.NoError(t, err)
	assert.Equal(t, "notify_file_id [1,2]", encoded)
}

func TestSendQueueFileAndFileIdFlushIndependently(t *testing.T) {
	// Mirrors spec.md §8 scenario 2: an opted-in connection sees two
	// storage_update events land within one coalescing window, each
	// producing a notify_file plus a notify_file_id carrying that event's
	// file id. Both a "notify_file" and a batched "notify_file_id [42,43]"
	// frame must flush, not just one of them.
	q := NewSendQueue()
	now := time.Now()

	q.Push(wire.NotifyFile(), now)
	q.Push(wire.NotifyFileId([]model.FileId{42}), now)
	q.Push(wire.NotifyFile(), now.Add(5*time.Millisecond))
	q.Push(wire.NotifyFileId([]model.FileId{43}), now.Add(5*time.Millisecond))

	flushed := q.Drain(now.Add(CoalesceWindow + minSettleTime + 10*time.Millisecond))
	require.Len(t, flushed, 2)

	byType := map[wire.MessageType]wire.OutboundMessage{}
	for _, m := range flushed {
		byType[m.Type()] = m
	}
	require.Contains(t, byType, wire.TypeFile)
	require.Contains(t, byType, wire.TypeFileId)

	encoded, err := byType[wire.TypeFileId].Encode()
	require.NoError(t, err)
	assert.Equal(t, "notify_file_id [42,43]", encoded)
}

func TestSendQueueIndependentSlots(t *testing.T) {
	q := NewSendQueue()
	now := time.Now()

	q.Push(wire.NotifyFile(), now)
	q.Push(wire.NotifyActivity(), now)
	q.Push(wire.NotifyNotification(), now)

	flushed := q.Drain(now.Add(CoalesceWindow + minSettleTime + time.Millisecond))
	require.Len(t, flushed, 3)
}
