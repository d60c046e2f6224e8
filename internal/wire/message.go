// Package wire implements the bespoke text wire protocol spoken over the
// WebSocket connections, and the JSON decoding of bus channel payloads.
package wire

import (
	"encoding/json"
	"fmt"

	"github.com/notifypush/server/internal/model"
)

// MessageType discriminates OutboundMessage for metrics labeling.
type MessageType int

const (
	TypeAuthenticated MessageType = iota
	TypeErr
	TypeFile
	TypeFileId
	TypeActivity
	TypeNotification
	TypeCustom
)

func (t MessageType) String() string {
	switch t {
	case TypeAuthenticated:
		return "authenticated"
	case TypeErr:
		return "err"
	case TypeFile:
		return "file"
	case TypeFileId:
		return "file_id"
	case TypeActivity:
		return "activity"
	case TypeNotification:
		return "notification"
	case TypeCustom:
		return "custom"
	default:
		return "unknown"
	}
}

// OutboundMessage is a tagged variant over every frame the server can send
// to a client. Exactly one constructor below should be used to build one.
type OutboundMessage struct {
	typ        MessageType
	errText    string
	fileIds    []model.FileId
	custom     string
	customBody json.RawMessage
}

func Authenticated() OutboundMessage { return OutboundMessage{typ: TypeAuthenticated} }

func Err(text string) OutboundMessage { return OutboundMessage{typ: TypeErr, errText: text} }

func NotifyFile() OutboundMessage { return OutboundMessage{typ: TypeFile} }

func NotifyFileId(ids []model.FileId) OutboundMessage {
	return OutboundMessage{typ: TypeFileId, fileIds: ids}
}

func NotifyActivity() OutboundMessage { return OutboundMessage{typ: TypeActivity} }

func NotifyNotification() OutboundMessage { return OutboundMessage{typ: TypeNotification} }

func Custom(messageType string, body json.RawMessage) OutboundMessage {
	return OutboundMessage{typ: TypeCustom, custom: messageType, customBody: body}
}

// Type reports the MessageType, used for per-kind metrics.
func (m OutboundMessage) Type() MessageType { return m.typ }

// Encode renders the single-line wire frame for this message: either
// "<type>" or "<type> <json>".
func (m OutboundMessage) Encode() (string, error) {
	switch m.typ {
	case TypeAuthenticated:
		return "authenticated", nil
	case TypeErr:
		return "err " + m.errText, nil
	case TypeFile:
		return "notify_file", nil
	case TypeFileId:
		body, err := json.Marshal(m.fileIds)
		if err != nil {
			return "", fmt.Errorf("wire: encode file ids: %w", err)
		}
		return "notify_file_id " + string(body), nil
	case TypeActivity:
		return "notify_activity", nil
	case TypeNotification:
		return "notify_notification", nil
	case TypeCustom:
		if len(m.customBody) == 0 || string(m.customBody) == "null" {
			return m.custom, nil
		}
		return m.custom + " " + string(m.customBody), nil
	default:
		return "", fmt.Errorf("wire: unknown message type %d", m.typ)
	}
}

// MergeFileIds folds other's file ids into m, used by the coalescing send
// queue to batch notify_file_id frames within one debounce window.
func (m *OutboundMessage) MergeFileIds(other OutboundMessage) {
	if m.typ != TypeFileId || other.typ != TypeFileId {
		return
	}
	seen := make(map[model.FileId]struct{}, len(m.fileIds))
	for _, id := range m.fileIds {
		seen[id] = struct{}{}
	}
	for _, id := range other.fileIds {
		if _, ok := seen[id]; !ok {
			m.fileIds = append(m.fileIds, id)
			seen[id] = struct{}{}
		}
	}
}
