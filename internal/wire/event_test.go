package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/notifypush/server/internal/model"
)

func TestDecodeEventStorageUpdate(t *testing.T) {
	ev, err := DecodeEvent(ChannelStorageUpdate, []byte(`{"storage":42,"path":"/files/doc.txt","file_id":7}`))
	require.NoError(t, err)
	assert.Equal(t, EventStorageUpdate, ev.Kind)
	assert.Equal(t, model.StorageId(42), ev.StorageUpdate.Storage)
	assert.Equal(t, "/files/doc.txt", ev.StorageUpdate.Path)
	assert.Equal(t, model.FileId(7), ev.StorageUpdate.FileId)
}

func TestDecodeEventGroupUpdate(t *testing.T) {
	ev, err := DecodeEvent(ChannelGroupUpdate, []byte(`{"user":"alice","group":"admins"}`))
	require.NoError(t, err)
	assert.Equal(t, EventGroupUpdate, ev.Kind)
	assert.Equal(t, model.UserId("alice"), ev.GroupUpdate.User)
	assert.Equal(t, model.GroupId("admins"), ev.GroupUpdate.Group)
}

func TestDecodeEventConfigLogSpec(t *testing.T) {
	ev, err := DecodeEvent(ChannelConfig, []byte(`{"log_spec":"debug"}`))
	require.NoError(t, err)
	assert.Equal(t, EventConfigLogSpec, ev.Kind)
	assert.Equal(t, "debug", ev.LogSpec)
}

func TestDecodeEventConfigLogRestore(t *testing.T) {
	ev, err := DecodeEvent(ChannelConfig, []byte(`"log_restore"`))
	require.NoError(t, err)
	assert.Equal(t, EventConfigLogRestore, ev.Kind)
}

func TestDecodeEventConfigUnsupportedString(t *testing.T) {
	_, err := DecodeEvent(ChannelConfig, []byte(`"something_else"`))
	assert.Error(t, err)
}

func TestDecodeEventQueryMetrics(t *testing.T) {
	ev, err := DecodeEvent(ChannelQuery, []byte(`"metrics"`))
	require.NoError(t, err)
	assert.Equal(t, EventQueryMetrics, ev.Kind)
}

func TestDecodeEventQueryUnsupported(t *testing.T) {
	_, err := DecodeEvent(ChannelQuery, []byte(`"something"`))
	assert.Error(t, err)
}

func TestDecodeEventSignalReset(t *testing.T) {
	ev, err := DecodeEvent(ChannelSignal, []byte(`"reset"`))
	require.NoError(t, err)
	assert.Equal(t, EventSignalReset, ev.Kind)
}

func TestDecodeEventUnknownChannel(t *testing.T) {
	_, err := DecodeEvent("not_a_real_channel", []byte(`{}`))
	assert.Error(t, err)
	var decodeErr *DecodeError
	assert.ErrorAs(t, err, &decodeErr)
}

func TestDecodeEventMalformedPayload(t *testing.T) {
	_, err := DecodeEvent(ChannelStorageUpdate, []byte(`not json`))
	assert.Error(t, err)
}

func TestDecodeEventCustomWithoutBody(t *testing.T) {
	ev, err := DecodeEvent(ChannelCustom, []byte(`{"user":"bob","message":"ping"}`))
	require.NoError(t, err)
	assert.Equal(t, EventCustom, ev.Kind)
	assert.Equal(t, model.UserId("bob"), ev.Custom.User)
	assert.Equal(t, "ping", ev.Custom.Message)
	assert.Empty(t, ev.Custom.Body)
}
