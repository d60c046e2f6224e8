package errs

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassifyExtractsWrappedKind(t *testing.T) {
	err := New(KindDatabase, "mapping.loadMounts", errors.New("connection refused"))
	wrapped := errors.Join(err)

	assert.Equal(t, KindDatabase, Classify(wrapped))
}

func TestClassifyDefaultsToInternalForForeignErrors(t *testing.T) {
	assert.Equal(t, KindInternal, Classify(errors.New("plain")))
}

func TestFatalKinds(t *testing.T) {
	assert.True(t, KindConfig.Fatal())
	assert.True(t, KindBind.Fatal())
	assert.False(t, KindBus.Fatal())
	assert.False(t, KindDatabase.Fatal())
}

func TestErrorMessageIncludesOpWhenPresent(t *testing.T) {
	err := New(KindProtocol, "handshake.user", errors.New("bad frame"))
	assert.Equal(t, "protocol: handshake.user: bad frame", err.Error())

	err2 := New(KindInternal, "", errors.New("dropped"))
	assert.Equal(t, "internal: dropped", err2.Error())
}
