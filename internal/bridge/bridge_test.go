package bridge

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"hookrelay/pkg/domain"
)

func strp(s string) *string { return &s }

func TestBridge_RoundTrip(t *testing.T) {
	lb := NewLoopback()
	b := New(lb, nil)

	var got []Message
	cancel := b.OnReceive(func(m Message) { got = append(got, m) })
	defer cancel()

	env := domain.Envelope{
		Kind:      domain.KindFetch,
		Method:    "POST",
		URL:       "https://x.test/graphql/A/Bookmarks",
		Body:      strp(`{"variables":{}}`),
		RequestID: "req-1",
		Context:   &domain.Context{FolderID: "555", Source: domain.SourceRequestURL},
	}
	require.NoError(t, b.Send(env, domain.ResponseRecord{Status: 200, Body: "{}"}))

	require.Len(t, got, 1)
	m := got[0]
	assert.False(t, m.Legacy(), "repairs: %v", m.Repairs)
	assert.Equal(t, "req-1", m.Envelope.RequestID)
	assert.Equal(t, domain.Rev, m.Envelope.Rev)
	assert.Equal(t, "555", m.Envelope.Context.FolderID)
	assert.Equal(t, `{"variables":{}}`, *m.Envelope.Body)
	assert.Equal(t, 200, m.Response.Status)

	sent, dropped, malformed := b.Counters()
	assert.Equal(t, int64(1), sent)
	assert.Zero(t, dropped)
	assert.Zero(t, malformed)
}

func TestBridge_EncodeStampsRev(t *testing.T) {
	b := New(NewLoopback(), nil, WithRev(42))
	raw, err := b.Encode(domain.Envelope{Method: "GET", URL: "https://x.test/a"}, domain.ResponseRecord{Status: 204})
	require.NoError(t, err)
	assert.Equal(t, int64(42), gjson.GetBytes(raw, "rev").Int())
	assert.Equal(t, int64(42), gjson.GetBytes(raw, "request.hookRev").Int())
	assert.True(t, gjson.GetBytes(raw, "request.body").Exists())
}

func TestBridge_LegacyRepairs(t *testing.T) {
	b := New(NewLoopback(), nil)

	m, err := b.Decode([]byte(`{"type":"hookrelay:capture","request":{"url":"https://x.test/a"},"response":{"status":200,"body":"ok"}}`))
	require.NoError(t, err)
	assert.True(t, m.Legacy())
	assert.ElementsMatch(t, []string{"rev", "method", "requestId", "body", "context"}, m.Repairs)
	assert.Equal(t, "GET", m.Envelope.Method)
	assert.NotEmpty(t, m.Envelope.RequestID)
	assert.True(t, m.Envelope.Legacy)

	m, err = b.Decode([]byte(`{"type":"hookrelay:capture","rev":1,"request":{"url":"https://x.test/a","method":"get","requestId":"r","body":null,"context":null},"response":{"status":200}}`))
	require.NoError(t, err)
	assert.Equal(t, []string{"rev"}, m.Repairs)
	assert.Equal(t, "GET", m.Envelope.Method)
	assert.Nil(t, m.Envelope.Body)
	assert.Nil(t, m.Envelope.Context)
}

func TestBridge_DropsMalformed(t *testing.T) {
	lb := NewLoopback()
	b := New(lb, nil)
	called := 0
	b.OnReceive(func(Message) { called++ })

	payloads := []string{
		`not json`,
		`{"type":"other","request":{"url":"u"},"response":{"status":200}}`,
		`{"type":"hookrelay:capture","response":{"status":200}}`,
		`{"type":"hookrelay:capture","request":{"url":""},"response":{"status":200}}`,
		`{"type":"hookrelay:capture","request":{"url":"https://x.test"},"response":{"status":"200"}}`,
	}
	for _, p := range payloads {
		require.NoError(t, lb.Post([]byte(p)))
	}
	assert.Zero(t, called)
	_, _, malformed := b.Counters()
	assert.Equal(t, int64(len(payloads)), malformed)
}

func TestQueue_DropsWhenFull(t *testing.T) {
	q := NewQueue(1)
	require.NoError(t, q.Post([]byte("a")))
	assert.ErrorIs(t, q.Post([]byte("b")), ErrQueueFull)

	got := make(chan string, 1)
	q.Listen(func(p []byte) { got <- string(p) })
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Run(ctx)

	select {
	case p := <-got:
		assert.Equal(t, "a", p)
	case <-time.After(5 * time.Second):
		t.Fatal("queue not drained")
	}
}
