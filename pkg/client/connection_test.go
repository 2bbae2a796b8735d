package client

import (
	"errors"
	"io"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trackify/realtime/pkg/auth"
	"github.com/trackify/realtime/pkg/protocol"
	"github.com/trackify/realtime/pkg/server"
)

func TestParseServerURL(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"localhost:8080", "ws://localhost:8080/ws"},
		{"ws://example.com", "ws://example.com/ws"},
		{"wss://example.com/", "wss://example.com/ws"},
		{"http://example.com:9000", "ws://example.com:9000/ws"},
		{"https://example.com/realtime", "wss://example.com/realtime"},
		{"  ws://example.com/ws  ", "ws://example.com/ws"},
	}
	for _, tc := range cases {
		got, err := parseServerURL(tc.in)
		if err != nil {
			t.Fatalf("parseServerURL(%q): unexpected error: %v", tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("parseServerURL(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestParseServerURLRejectsBadInput(t *testing.T) {
	for _, in := range []string{"", "   ", "ftp://example.com", "ws://"} {
		if _, err := parseServerURL(in); err == nil {
			t.Fatalf("expected error for %q", in)
		}
	}
}

func startServer(t *testing.T, allowAnonymous bool) (addr string, signer *auth.JWTAuthenticator) {
	t.Helper()
	server.SetLogOutput(io.Discard)

	cfg := server.DefaultConfig()
	cfg.DatabasePath = filepath.Join(t.TempDir(), "trackify.db")
	cfg.JWTSecret = "client-secret"
	cfg.AllowAnonymous = allowAnonymous

	srv, err := server.NewServer(cfg)
	require.NoError(t, err)
	ts := httptest.NewServer(srv.Routes())
	t.Cleanup(func() {
		ts.Close()
		srv.Stop()
	})

	signer, err = auth.NewJWTAuthenticator(cfg.JWTSecret, cfg.JWTIssuer)
	require.NoError(t, err)
	return ts.URL, signer
}

func next(t *testing.T, conn *Connection) *Message {
	t.Helper()
	select {
	case msg, ok := <-conn.Incoming():
		require.True(t, ok, "incoming channel closed")
		return msg
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for server message")
		return nil
	}
}

func TestConnectionExpenseRoundTrip(t *testing.T) {
	addr, signer := startServer(t, true)
	token, err := signer.Issue("bob", time.Hour)
	require.NoError(t, err)

	conn, err := NewConnection(addr, token)
	require.NoError(t, err)
	conn.DisableAutoReconnect()
	defer conn.Close()

	require.NoError(t, conn.Connect())
	assert.True(t, conn.IsConnected())
	assert.Error(t, conn.Connect(), "second connect must fail")

	welcome := next(t, conn)
	assert.Equal(t, protocol.QueueNotifications, welcome.Destination)
	note, ok := welcome.Envelope.(*protocol.DirectNotification)
	require.True(t, ok)
	assert.Equal(t, "bob", note.Target)

	require.NoError(t, conn.Send(protocol.ActionExpenseCreate, "req-1", protocol.ExpensePayload{
		Title:    "Taxi",
		Amount:   23.5,
		Category: "TRAVEL",
	}))

	event := next(t, conn)
	assert.Equal(t, protocol.TopicExpenses, event.Destination)
	ev, ok := event.Envelope.(*protocol.DomainEvent)
	require.True(t, ok)
	assert.Equal(t, protocol.ActionCreate, ev.Action)
	assert.Equal(t, "bob", ev.Actor)

	reply := next(t, conn)
	assert.Equal(t, protocol.QueueResponses, reply.Destination)
	resp, ok := reply.Envelope.(*protocol.RoutingResponse)
	require.True(t, ok)
	assert.True(t, resp.Success)
	assert.Equal(t, "req-1", resp.RequestID)

	assert.NotZero(t, conn.GetBytesSent())
	assert.NotZero(t, conn.GetBytesReceived())
}

func TestConnectionUnauthorized(t *testing.T) {
	addr, _ := startServer(t, false)

	conn, err := NewConnection(addr, "")
	require.NoError(t, err)
	defer conn.Close()

	err = conn.Connect()
	assert.True(t, errors.Is(err, ErrUnauthorized), "got %v", err)
	assert.False(t, conn.IsConnected())
}

func TestLocalDisconnectIsSilent(t *testing.T) {
	addr, signer := startServer(t, true)
	token, err := signer.Issue("dave", time.Hour)
	require.NoError(t, err)

	conn, err := NewConnection(addr, token)
	require.NoError(t, err)
	conn.DisableAutoReconnect()
	defer conn.Close()

	require.NoError(t, conn.Connect())
	next(t, conn)

	conn.Disconnect()
	assert.False(t, conn.IsConnected())

	// Disconnect is local, so no error or state change is reported
	select {
	case err := <-conn.Errors():
		t.Fatalf("unexpected error after local disconnect: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSendAfterCloseFails(t *testing.T) {
	conn, err := NewConnection("localhost:1", "")
	require.NoError(t, err)
	conn.Close()
	conn.Close()

	assert.Error(t, conn.Send(protocol.ActionDashboardRefresh, "", nil))

	_, open := <-conn.Incoming()
	assert.False(t, open)
}
