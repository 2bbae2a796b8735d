package protocol

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestDecodeInbound(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		action  string
		wantErr error
	}{
		{
			name:   "expense create",
			data:   `{"action":"expense.create","requestId":"r1","payload":{"title":"Lunch","amount":12.5}}`,
			action: ActionExpenseCreate,
		},
		{
			name:   "action is trimmed",
			data:   `{"action":"  dashboard.refresh "}`,
			action: ActionDashboardRefresh,
		},
		{
			name:    "missing action",
			data:    `{"payload":{}}`,
			wantErr: ErrMissingAction,
		},
		{
			name:    "too large",
			data:    `{"action":"x","payload":"` + strings.Repeat("a", MaxFrameSize) + `"}`,
			wantErr: ErrFrameTooLarge,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in, err := DecodeInbound([]byte(tt.data))
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.action, in.Action)
		})
	}
}

func TestDecodeInboundRejectsGarbage(t *testing.T) {
	_, err := DecodeInbound([]byte("not json"))
	assert.Error(t, err)
}

func TestDecodePayload(t *testing.T) {
	in, err := DecodeInbound([]byte(`{"action":"expense.create","payload":{"title":"Lunch","amount":12.50,"category":"Food"}}`))
	require.NoError(t, err)

	var p ExpensePayload
	require.NoError(t, in.DecodePayload(&p))
	assert.Equal(t, "Lunch", p.Title)
	assert.InDelta(t, 12.50, p.Amount, 0.0001)
	assert.Equal(t, "Food", p.Category)

	in.Payload = json.RawMessage("null")
	assert.ErrorIs(t, in.DecodePayload(&p), ErrMissingPayload)

	in.Payload = json.RawMessage(`{"amount":"twelve"}`)
	assert.Error(t, in.DecodePayload(&p))
}

func TestParseEnums(t *testing.T) {
	a, err := ParseAction("approve")
	require.NoError(t, err)
	assert.Equal(t, ActionApprove, a)
	_, err = ParseAction("archive")
	assert.ErrorIs(t, err, ErrUnknownAction)

	s, err := ParseSeverity("")
	require.NoError(t, err)
	assert.Equal(t, SeverityInfo, s)
	s, err = ParseSeverity("warning")
	require.NoError(t, err)
	assert.Equal(t, SeverityWarning, s)
	_, err = ParseSeverity("loud")
	assert.ErrorIs(t, err, ErrUnknownSeverity)

	p, err := ParsePriority("")
	require.NoError(t, err)
	assert.Equal(t, PriorityMedium, p)
	p, err = ParsePriority("Urgent")
	require.NoError(t, err)
	assert.Equal(t, PriorityUrgent, p)
	_, err = ParsePriority("asap")
	assert.ErrorIs(t, err, ErrUnknownPriority)
}

func TestNotificationExpired(t *testing.T) {
	now := time.Now()
	past := now.Add(-time.Minute)
	future := now.Add(time.Minute)

	assert.False(t, (&DirectNotification{}).Expired(now))
	assert.True(t, (&DirectNotification{ExpiresAt: &past}).Expired(now))
	assert.False(t, (&DirectNotification{ExpiresAt: &future}).Expired(now))
}

func TestResponseRoutingFieldsStayOffTheWire(t *testing.T) {
	resp := Success(TypeExpenseCreated, "ok", nil)
	resp.ReplyTo = "handle-1"
	resp.Topic = TopicExpenses

	f, err := EncodeEnvelope(QueueResponses, resp)
	require.NoError(t, err)
	assert.NotContains(t, string(f.Body), "handle-1")
	assert.Equal(t, KindResponse, f.Kind)

	var buf bytes.Buffer
	require.NoError(t, WriteOutbound(&buf, f))
	assert.Contains(t, buf.String(), `"destination":"/user/queue/responses"`)
}

func TestFailureHasErrorShape(t *testing.T) {
	resp := Failure("Failed to process expense creation")
	assert.Equal(t, TypeError, resp.Type)
	assert.False(t, resp.Success)
	assert.Equal(t, StatusError, resp.Status)
}

func TestDecodeEnvelopeUnknownKind(t *testing.T) {
	_, err := DecodeEnvelope(&Outbound{Kind: "weird", Body: json.RawMessage("{}")})
	assert.ErrorIs(t, err, ErrUnknownKind)
}

// TestNotificationRoundTrip checks any notification survives the outbound codec
func TestNotificationRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		original := &DirectNotification{
			ID:        rapid.StringMatching(`[a-f0-9]{8}`).Draw(t, "id"),
			Title:     rapid.String().Draw(t, "title"),
			Body:      rapid.String().Draw(t, "body"),
			Severity:  rapid.SampledFrom([]Severity{SeverityInfo, SeveritySuccess, SeverityWarning, SeverityError}).Draw(t, "severity"),
			Priority:  rapid.SampledFrom([]Priority{PriorityLow, PriorityMedium, PriorityHigh, PriorityUrgent}).Draw(t, "priority"),
			Target:    rapid.StringMatching(`[a-z]{1,12}`).Draw(t, "target"),
			Read:      rapid.Bool().Draw(t, "read"),
			CreatedAt: time.Unix(rapid.Int64Range(0, 4_000_000_000).Draw(t, "created"), 0).UTC(),
		}

		f, err := EncodeEnvelope(QueueNotifications, original)
		if err != nil {
			t.Fatalf("encode failed: %v", err)
		}
		env, err := DecodeEnvelope(f)
		if err != nil {
			t.Fatalf("decode failed: %v", err)
		}
		decoded, ok := env.(*DirectNotification)
		if !ok {
			t.Fatalf("decoded %T, want *DirectNotification", env)
		}
		if decoded.Title != original.Title || decoded.Body != original.Body || decoded.Target != original.Target {
			t.Fatalf("text fields mismatch: got %+v, want %+v", decoded, original)
		}
		if decoded.Severity != original.Severity || decoded.Priority != original.Priority || decoded.Read != original.Read {
			t.Fatalf("tag fields mismatch: got %+v, want %+v", decoded, original)
		}
		if !decoded.CreatedAt.Equal(original.CreatedAt) {
			t.Fatalf("createdAt mismatch: got %v, want %v", decoded.CreatedAt, original.CreatedAt)
		}
	})
}

func TestEncodeEnvelopeKeepsMarkupUnescaped(t *testing.T) {
	desc := strings.Repeat("<&>", 5000)
	ev := &DomainEvent{Action: ActionCreate, EntityID: "1", Actor: "bob", Title: "a<b", Description: desc}

	f, err := EncodeEnvelope(TopicExpenses, ev)
	require.NoError(t, err)
	assert.Less(t, len(f.Body), len(desc)+512, "markup must stay one byte per character")
	assert.NotContains(t, string(f.Body), `\u003c`)
	assert.False(t, bytes.HasSuffix(f.Body, []byte("\n")))

	var buf bytes.Buffer
	require.NoError(t, WriteOutbound(&buf, f))
	assert.NotContains(t, buf.String(), `\u003c`)
	assert.NotContains(t, buf.String(), `\u0026`)

	var back Outbound
	require.NoError(t, json.Unmarshal(buf.Bytes(), &back))
	env, err := DecodeEnvelope(&back)
	require.NoError(t, err)
	assert.Equal(t, desc, env.(*DomainEvent).Description)
	assert.Equal(t, "a<b", env.(*DomainEvent).Title)
}

func TestEncodeEnvelopeRejectsOversizedBody(t *testing.T) {
	ev := &DomainEvent{Action: ActionCreate, Description: strings.Repeat("x", MaxFrameSize)}
	_, err := EncodeEnvelope(TopicExpenses, ev)
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}
