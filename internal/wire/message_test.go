package wire

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/notifypush/server/internal/model"
)

func TestOutboundMessageEncode(t *testing.T) {
	cases := []struct {
		name string
		msg  OutboundMessage
		want string
	}{
		{"authenticated", Authenticated(), "authenticated"},
		{"err", Err("bad token"), "err bad token"},
		{"file", NotifyFile(), "notify_file"},
		{"activity", NotifyActivity(), "notify_activity"},
		{"notification", NotifyNotification(), "notify_notification"},
		{"file_id", NotifyFileId([]model.FileId{1, 2}), "notify_file_id [1,2]"},
		{"custom_no_body", Custom("myapp", nil), "myapp"},
		{"custom_with_body", Custom("myapp", json.RawMessage(`{"a":1}`)), `myapp {"a":1}`},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got, err := c.msg.Encode()
			require.NoError(t, err)
			assert.Equal(t, c.want, got)
		})
	}
}

func TestOutboundMessageMergeFileIds(t *testing.T) {
	a := NotifyFileId([]model.FileId{1, 2})
	b := NotifyFileId([]model.FileId{2, 3})
	a.MergeFileIds(b)

	encoded, err := a.Encode()
	require.NoError(t, err)
	assert.Equal(t, "notify_file_id [1,2,3]", encoded)
}

func TestOutboundMessageMergeFileIdsIgnoresMismatchedType(t *testing.T) {
	a := NotifyFile()
	b := NotifyFileId([]model.FileId{1})
	a.MergeFileIds(b)

	encoded, err := a.Encode()
	require.NoError(t, err)
	assert.Equal(t, "notify_file", encoded)
}

func TestMessageTypeString(t *testing.T) {
	assert.Equal(t, "file_id", TypeFileId.String())
	assert.Equal(t, "unknown", MessageType(99).String())
}
