package connection

import (
	"time"

	"github.com/notifypush/server/internal/wire"
)

// CoalesceWindow is the fixed interval within which repeated file, activity,
// or notification events for one connection are merged into a single frame.
//
// The original implementation scaled this window with the number of active
// connections (1s-15s); this server uses the fixed ~50ms window the wire
// protocol documents instead, since the daemon is not expected to run at a
// scale where a flat window causes thundering-herd load on the mapping
// store. See DESIGN.md.
const CoalesceWindow = 50 * time.Millisecond

// minSettleTime is a 20ms "let a burst finish arriving" rule (shorter than
// the original's 100ms, to fit inside CoalesceWindow): a slot only flushes once no new message has landed in it for this
// long, even if CoalesceWindow has elapsed since the last flush.
const minSettleTime = 20 * time.Millisecond

type slotKind int

const (
	slotFile slotKind = iota
	slotFileId
	slotActivity
	slotNotification
	slotCount
)

// slotFor assigns notify_file and notify_file_id independent slots: a
// storage_update event enqueues both a plain notify_file and (for opted-in
// connections) a notify_file_id carrying that event's file id, and §8
// scenario 2 requires both to reach the client as distinct frames within
// one coalescing window, with only the ids batched across the burst.
// Sharing one slot would let a same-window notify_file arrival clobber a
// pending notify_file_id merge (MergeFileIds only merges like types), so
// they cannot share a slot.
func slotFor(t wire.MessageType) (slotKind, bool) {
	switch t {
	case wire.TypeFile:
		return slotFile, true
	case wire.TypeFileId:
		return slotFileId, true
	case wire.TypeActivity:
		return slotActivity, true
	case wire.TypeNotification:
		return slotNotification, true
	default:
		return 0, false
	}
}

type queueItem struct {
	message  *wire.OutboundMessage
	received time.Time
	sent     time.Time
}

// SendQueue coalesces outbound messages for one connection so that bursts of
// file, activity, or notification events collapse into a single frame per
// CoalesceWindow. Authenticated and error frames, and custom messages, are
// never held back. Not safe for concurrent use; owned by one connection's
// writer goroutine.
type SendQueue struct {
	items [slotCount]queueItem
}

// NewSendQueue builds an empty queue whose slots are immediately eligible
// to send (as if last flushed far in the past).
func NewSendQueue() *SendQueue {
	q := &SendQueue{}
	past := time.Time{}
	for i := range q.items {
		q.items[i].sent = past
	}
	return q
}

// Push offers a message to the queue. It returns a non-nil message when the
// caller should send immediately (custom/authenticated/err frames, which
// are never coalesced); otherwise the message is queued or merged into a
// slot and nil is returned.
func (q *SendQueue) Push(msg wire.OutboundMessage, now time.Time) *wire.OutboundMessage {
	kind, ok := slotFor(msg.Type())
	if !ok {
		return &msg
	}
	item := &q.items[kind]
	if item.message != nil {
		item.message.MergeFileIds(msg)
	} else {
		item.message = &msg
	}
	item.received = now
	return nil
}

// Drain returns every slot whose coalescing window has elapsed and which has
// seen no new arrival in the last minSettleTime, clearing them. Call this
// from a periodic ticker in the connection's writer loop.
func (q *SendQueue) Drain(now time.Time) []wire.OutboundMessage {
	var out []wire.OutboundMessage
	for i := range q.items {
		item := &q.items[i]
		if item.message == nil {
			continue
		}
		if now.Sub(item.sent) < CoalesceWindow {
			continue
		}
		if now.Sub(item.received) < minSettleTime {
			continue
		}
		out = append(out, *item.message)
		item.message = nil
		item.sent = now
	}
	return out
}

// Pending reports whether any slot currently holds an unflushed message.
// The writer loop does not consult it; it drains on a fixed ticker.
func (q *SendQueue) Pending() bool {
	for i := range q.items {
		if q.items[i].message != nil {
			return true
		}
	}
	return false
}
