package wire

import (
	"encoding/json"
	"fmt"

	"github.com/notifypush/server/internal/model"
)

// EventKind discriminates the BusEvent variant, one per channel (with
// notify_config/notify_signal further splitting on their string payload).
type EventKind int

const (
	EventStorageUpdate EventKind = iota
	EventGroupUpdate
	EventShareCreate
	EventTestCookie
	EventActivity
	EventNotification
	EventPreAuth
	EventCustom
	EventConfigLogSpec
	EventConfigLogRestore
	EventQueryMetrics
	EventSignalReset
)

// Channel names, verbatim per the host application's bus contract.
const (
	ChannelStorageUpdate = "notify_storage_update"
	ChannelGroupUpdate   = "notify_group_membership_update"
	ChannelShareCreate   = "notify_user_share_created"
	ChannelActivity      = "notify_activity"
	ChannelNotification  = "notify_notification"
	ChannelCustom        = "notify_custom"
	ChannelPreAuth       = "notify_pre_auth"
	ChannelTestCookie    = "notify_test_cookie"
	ChannelConfig        = "notify_config"
	ChannelSignal        = "notify_signal"
	ChannelQuery         = "notify_query"

	// KeyMetricsResponse is the well-known key the control plane writes a
	// metrics snapshot to in response to a notify_query "metrics" request.
	KeyMetricsResponse = "notify_push_metrics"
	// KeyVersionResponse is the well-known key POST /test/version writes to.
	KeyVersionResponse = "notify_push_version"
	// KeyAppVersionResponse is the well-known key the host app's reverse
	// self-test writes its version into.
	KeyAppVersionResponse = "notify_push_app_version"
)

// Channels lists every channel the subscriber joins on startup.
var Channels = []string{
	ChannelStorageUpdate,
	ChannelGroupUpdate,
	ChannelShareCreate,
	ChannelTestCookie,
	ChannelActivity,
	ChannelNotification,
	ChannelPreAuth,
	ChannelCustom,
	ChannelConfig,
	ChannelQuery,
	ChannelSignal,
}

// BusEvent is the decoded payload of one bus message, tagged by Kind.
type BusEvent struct {
	Kind EventKind

	StorageUpdate struct {
		Storage model.StorageId
		Path    string
		FileId  model.FileId
	}
	GroupUpdate struct {
		User  model.UserId
		Group model.GroupId
	}
	User model.UserId // ShareCreate, Activity, Notification

	TestCookie uint32

	PreAuth struct {
		User  model.UserId
		Token string
	}

	Custom struct {
		User    model.UserId
		Message string
		Body    json.RawMessage
	}

	LogSpec string // EventConfigLogSpec
}

// DecodeError reports a malformed or unrecognized bus payload; the caller
// logs it at warn and discards the message without tearing down the
// subscription.
type DecodeError struct {
	Channel string
	Err     error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("wire: decode %s payload: %v", e.Channel, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// DecodeEvent translates a raw bus message into a BusEvent. channel must be
// one of the Channels this server subscribes to.
func DecodeEvent(channel string, payload []byte) (BusEvent, error) {
	var ev BusEvent
	switch channel {
	case ChannelStorageUpdate:
		var p struct {
			Storage uint64 `json:"storage"`
			Path    string `json:"path"`
			FileId  uint64 `json:"file_id"`
		}
		if err := json.Unmarshal(payload, &p); err != nil {
			return ev, &DecodeError{channel, err}
		}
		ev.Kind = EventStorageUpdate
		ev.StorageUpdate.Storage = model.StorageId(p.Storage)
		ev.StorageUpdate.Path = p.Path
		ev.StorageUpdate.FileId = model.FileId(p.FileId)

	case ChannelGroupUpdate:
		var p struct {
			User  string `json:"user"`
			Group string `json:"group"`
		}
		if err := json.Unmarshal(payload, &p); err != nil {
			return ev, &DecodeError{channel, err}
		}
		ev.Kind = EventGroupUpdate
		ev.GroupUpdate.User = model.UserId(p.User)
		ev.GroupUpdate.Group = model.GroupId(p.Group)

	case ChannelShareCreate:
		var p struct {
			User string `json:"user"`
		}
		if err := json.Unmarshal(payload, &p); err != nil {
			return ev, &DecodeError{channel, err}
		}
		ev.Kind = EventShareCreate
		ev.User = model.UserId(p.User)

	case ChannelActivity:
		var p struct {
			User string `json:"user"`
		}
		if err := json.Unmarshal(payload, &p); err != nil {
			return ev, &DecodeError{channel, err}
		}
		ev.Kind = EventActivity
		ev.User = model.UserId(p.User)

	case ChannelNotification:
		var p struct {
			User string `json:"user"`
		}
		if err := json.Unmarshal(payload, &p); err != nil {
			return ev, &DecodeError{channel, err}
		}
		ev.Kind = EventNotification
		ev.User = model.UserId(p.User)

	case ChannelPreAuth:
		var p struct {
			User  string `json:"user"`
			Token string `json:"token"`
		}
		if err := json.Unmarshal(payload, &p); err != nil {
			return ev, &DecodeError{channel, err}
		}
		ev.Kind = EventPreAuth
		ev.PreAuth.User = model.UserId(p.User)
		ev.PreAuth.Token = p.Token

	case ChannelTestCookie:
		var v uint32
		if err := json.Unmarshal(payload, &v); err != nil {
			return ev, &DecodeError{channel, err}
		}
		ev.Kind = EventTestCookie
		ev.TestCookie = v

	case ChannelCustom:
		var p struct {
			User    string          `json:"user"`
			Message string          `json:"message"`
			Body    json.RawMessage `json:"body,omitempty"`
		}
		if err := json.Unmarshal(payload, &p); err != nil {
			return ev, &DecodeError{channel, err}
		}
		ev.Kind = EventCustom
		ev.Custom.User = model.UserId(p.User)
		ev.Custom.Message = p.Message
		ev.Custom.Body = p.Body

	case ChannelConfig:
		return decodeConfig(channel, payload)

	case ChannelQuery:
		var v string
		if err := json.Unmarshal(payload, &v); err != nil {
			return ev, &DecodeError{channel, err}
		}
		if v != "metrics" {
			return ev, &DecodeError{channel, fmt.Errorf("unsupported query %q", v)}
		}
		ev.Kind = EventQueryMetrics

	case ChannelSignal:
		var v string
		if err := json.Unmarshal(payload, &v); err != nil {
			return ev, &DecodeError{channel, err}
		}
		if v != "reset" {
			return ev, &DecodeError{channel, fmt.Errorf("unsupported signal %q", v)}
		}
		ev.Kind = EventSignalReset

	default:
		return ev, &DecodeError{channel, fmt.Errorf("unsupported channel")}
	}
	return ev, nil
}

// decodeConfig handles notify_config, whose payload is either the bare
// string "log_restore" or an object {"log_spec": "<filter>"}.
func decodeConfig(channel string, payload []byte) (BusEvent, error) {
	var ev BusEvent
	var asString string
	if err := json.Unmarshal(payload, &asString); err == nil {
		if asString != "log_restore" {
			return ev, &DecodeError{channel, fmt.Errorf("unsupported config %q", asString)}
		}
		ev.Kind = EventConfigLogRestore
		return ev, nil
	}

	var asObject struct {
		LogSpec string `json:"log_spec"`
	}
	if err := json.Unmarshal(payload, &asObject); err != nil {
		return ev, &DecodeError{channel, err}
	}
	ev.Kind = EventConfigLogSpec
	ev.LogSpec = asObject.LogSpec
	return ev, nil
}
