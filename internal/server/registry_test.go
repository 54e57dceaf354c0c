package server

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSession(t *testing.T, identity int64) *Session {
	t.Helper()
	return NewSession(identity, nil, nil, nil, DefaultConfig(), zerolog.Nop(), nil)
}

func newTestRegistry() *MemoryRegistry {
	return NewMemoryRegistry(zerolog.Nop(), nil)
}

func TestRegistryOnlineIffSessionsPresent(t *testing.T) {
	reg := newTestRegistry()

	assert.False(t, reg.IsOnline(1))
	assert.Empty(t, reg.SessionsFor(1))

	sess := newTestSession(t, 1)
	reg.Register(1, sess)

	assert.True(t, reg.IsOnline(1))
	assert.Len(t, reg.SessionsFor(1), 1)

	reg.Unregister(1, sess)

	assert.False(t, reg.IsOnline(1))
	assert.Empty(t, reg.SessionsFor(1))
}

func TestRegistryMultiDevice(t *testing.T) {
	reg := newTestRegistry()

	first := newTestSession(t, 1)
	second := newTestSession(t, 1)
	reg.Register(1, first)
	reg.Register(1, second)

	require.Len(t, reg.SessionsFor(1), 2)

	// Closing one device leaves the identity online.
	reg.Unregister(1, first)
	assert.True(t, reg.IsOnline(1))
	require.Len(t, reg.SessionsFor(1), 1)
	assert.Same(t, second, reg.SessionsFor(1)[0])
}

func TestRegistryRemovesEmptyKey(t *testing.T) {
	reg := newTestRegistry()

	sess := newTestSession(t, 42)
	reg.Register(42, sess)
	reg.Unregister(42, sess)

	assert.Empty(t, reg.OnlineUsers())
	assert.Zero(t, reg.SessionCount())
}

func TestRegistryUnregisterIdempotent(t *testing.T) {
	reg := newTestRegistry()

	sess := newTestSession(t, 1)
	other := newTestSession(t, 1)
	reg.Register(1, sess)
	reg.Register(1, other)

	reg.Unregister(1, sess)
	reg.Unregister(1, sess)

	assert.True(t, reg.IsOnline(1))
	assert.Len(t, reg.SessionsFor(1), 1)
	assert.Equal(t, 1, reg.SessionCount())

	// Unregistering an identity that was never registered is a no-op too.
	reg.Unregister(99, sess)
}

func TestRegistryOnlineUsersSnapshot(t *testing.T) {
	reg := newTestRegistry()

	reg.Register(1, newTestSession(t, 1))
	reg.Register(2, newTestSession(t, 2))
	reg.Register(2, newTestSession(t, 2))

	users := reg.OnlineUsers()
	assert.ElementsMatch(t, []int64{1, 2}, users)
	assert.Equal(t, 3, reg.SessionCount())
}

func TestRegistryCloseAll(t *testing.T) {
	reg := newTestRegistry()

	a := NewSession(1, nil, reg, nil, DefaultConfig(), zerolog.Nop(), nil)
	b := NewSession(2, nil, reg, nil, DefaultConfig(), zerolog.Nop(), nil)
	reg.Register(1, a)
	reg.Register(2, b)

	reg.CloseAll()

	assert.Equal(t, StateClosed, a.State())
	assert.Equal(t, StateClosed, b.State())
	assert.Zero(t, reg.SessionCount())
}
