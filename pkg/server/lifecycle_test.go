package server

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trackify/realtime/pkg/protocol"
	"github.com/trackify/realtime/pkg/registry"
)

func TestConnectedAttachesAndWelcomes(t *testing.T) {
	sessions := registry.New()
	pub := &recordingPublisher{}
	l := NewLifecycle(sessions, pub)

	l.Connected(context.Background(), testConn("sX", "carol"))

	assert.Equal(t, []string{"sX"}, sessions.ConnectionsFor("carol"))

	notes := pub.notifications()
	require.Len(t, notes, 1)
	assert.Len(t, pub.all(), 1, "welcome is the only envelope")
	assert.Equal(t, "Welcome to Trackify!", notes[0].Title)
	assert.Equal(t, "carol", notes[0].Target)
	assert.Equal(t, protocol.SeverityInfo, notes[0].Severity)
	assert.Equal(t, protocol.PriorityLow, notes[0].Priority)
	assert.NotEmpty(t, notes[0].ID)
	assert.False(t, notes[0].Read)
}

func TestAnonymousConnectionIsNotRegistered(t *testing.T) {
	sessions := registry.New()
	pub := &recordingPublisher{}
	l := NewLifecycle(sessions, pub)

	c := testConn("s1", "")
	l.Connected(context.Background(), c)
	l.Disconnected(context.Background(), c)

	assert.Zero(t, sessions.ConnectionCount())
	assert.Empty(t, pub.all())
}

func TestDisconnectedDetachesOnce(t *testing.T) {
	sessions := registry.New()
	l := NewLifecycle(sessions, &recordingPublisher{})

	first := testConn("s1", "alice")
	second := testConn("s2", "alice")
	l.Connected(context.Background(), first)
	l.Connected(context.Background(), second)

	l.Disconnected(context.Background(), first)
	l.Disconnected(context.Background(), first)

	assert.Equal(t, []string{"s2"}, sessions.ConnectionsFor("alice"))
	require.NoError(t, sessions.Check())
}

func TestConnectAfterDisconnectIsIgnored(t *testing.T) {
	sessions := registry.New()
	pub := &recordingPublisher{}
	l := NewLifecycle(sessions, pub)

	c := testConn("s1", "alice")
	l.Connected(context.Background(), c)
	l.Disconnected(context.Background(), c)
	l.Connected(context.Background(), c)

	assert.False(t, sessions.IsOnline("alice"))
	assert.Len(t, pub.notifications(), 1)
}

func TestDisconnectAfterForcedLogoutIsHarmless(t *testing.T) {
	sessions := registry.New()
	l := NewLifecycle(sessions, &recordingPublisher{})

	c := testConn("s1", "alice")
	l.Connected(context.Background(), c)
	assert.Equal(t, []string{"s1"}, sessions.DetachAll("alice"))

	l.Disconnected(context.Background(), c)
	assert.False(t, sessions.IsOnline("alice"))
	require.NoError(t, sessions.Check())
}
