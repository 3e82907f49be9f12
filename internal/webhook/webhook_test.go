package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/marminbh/wa-dispatch/internal/apperrors"
	"github.com/marminbh/wa-dispatch/internal/models"
)

const testSecret = "app-secret"

const body = `{"object":"whatsapp_business_account","entry":[{"id":"WABA-1","changes":[]}]}`

func sign(t *testing.T, payload []byte) string {
	t.Helper()
	sig, err := ComputeSignature(payload, testSecret)
	require.NoError(t, err)
	return sig
}

func TestVerifySignature(t *testing.T) {
	raw := []byte(body)
	sig := sign(t, raw)

	assert.True(t, VerifySignature(sig, raw, testSecret))
	assert.True(t, VerifySignature(sig[len("sha256="):], raw, testSecret), "prefix is optional")
	assert.False(t, VerifySignature("", raw, testSecret))
	assert.False(t, VerifySignature(sig, raw, ""))
	assert.False(t, VerifySignature("sha256=nothex", raw, testSecret))
	assert.False(t, VerifySignature(sig, raw, "other-secret"))
}

func TestVerifySignature_AnySingleByteChangeFails(t *testing.T) {
	raw := []byte(body)
	sig := sign(t, raw)

	for i := range raw {
		mutated := append([]byte(nil), raw...)
		mutated[i] ^= 0x01
		assert.False(t, VerifySignature(sig, mutated, testSecret), "byte %d", i)
	}
}

func TestVerifyChallenge(t *testing.T) {
	got, err := VerifyChallenge("subscribe", "tok", "tok", "xyz")
	require.NoError(t, err)
	assert.Equal(t, "xyz", got)

	_, err = VerifyChallenge("unsubscribe", "tok", "tok", "xyz")
	assert.Equal(t, apperrors.CodeForbidden, apperrors.Code(err))

	_, err = VerifyChallenge("subscribe", "nope", "tok", "xyz")
	assert.Error(t, err)

	_, err = VerifyChallenge("subscribe", "", "", "xyz")
	assert.Error(t, err)
}

func TestFailureCounter_AlertsOnceWhenThresholdExceeded(t *testing.T) {
	c := NewFailureCounter(10, zap.NewNop())

	alerts := 0
	for i := 0; i < 25; i++ {
		if c.Inc() {
			alerts++
			assert.Equal(t, int64(11), c.Count())
		}
	}
	assert.Equal(t, 1, alerts)

	c.Reset()
	assert.Equal(t, int64(0), c.Count())
	for i := 0; i < 11; i++ {
		c.Inc()
	}
	assert.Equal(t, int64(11), c.Count())
}

type memoryEvents struct {
	mu     sync.Mutex
	events []*models.InboundEvent
	err    error
}

func (m *memoryEvents) Create(_ context.Context, e *models.InboundEvent) error {
	if m.err != nil {
		return m.err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	e.ID = uuid.New()
	m.events = append(m.events, e)
	return nil
}

type recordingSubmitter struct {
	msgs []models.EventMessage
}

func (r *recordingSubmitter) Submit(msg models.EventMessage) bool {
	r.msgs = append(r.msgs, msg)
	return true
}

func newGateway(store EventStore, sub Submitter) *Gateway {
	return NewGateway(store, sub, NewFailureCounter(10, zap.NewNop()), testSecret, zap.NewNop())
}

func TestGateway_Receive(t *testing.T) {
	store := &memoryEvents{}
	sub := &recordingSubmitter{}
	g := newGateway(store, sub)

	raw := []byte(body)
	event, err := g.Receive(context.Background(), sign(t, raw), raw, map[string]string{"User-Agent": "test"})
	require.NoError(t, err)

	require.Len(t, store.events, 1)
	assert.Equal(t, "WABA-1", event.AccountExternalID)
	assert.Equal(t, raw, store.events[0].RawBody)
	assert.Equal(t, "test", store.events[0].Headers["User-Agent"])

	require.Len(t, sub.msgs, 1)
	assert.Equal(t, event.ID.String(), sub.msgs[0].EventID)
	assert.JSONEq(t, body, string(sub.msgs[0].Payload))
}

func TestGateway_Receive_BadSignatureStoresNothing(t *testing.T) {
	store := &memoryEvents{}
	sub := &recordingSubmitter{}
	g := newGateway(store, sub)

	_, err := g.Receive(context.Background(), "sha256=00", []byte(body), nil)
	assert.Equal(t, 401, apperrors.HTTPStatus(err))
	assert.Empty(t, store.events)
	assert.Empty(t, sub.msgs)
	assert.Equal(t, int64(1), g.failures.Count())
}

func TestGateway_Receive_MissingAccount(t *testing.T) {
	store := &memoryEvents{}
	g := newGateway(store, &recordingSubmitter{})

	for _, raw := range []string{`{"entry":[]}`, `not json`} {
		_, err := g.Receive(context.Background(), sign(t, []byte(raw)), []byte(raw), nil)
		assert.Equal(t, 400, apperrors.HTTPStatus(err), raw)
	}
	assert.Empty(t, store.events)
}

func TestGateway_Ingest_StoreFailure(t *testing.T) {
	sub := &recordingSubmitter{}
	g := newGateway(&memoryEvents{err: errors.New("db down")}, sub)

	_, err := g.Ingest(context.Background(), "WABA-1", []byte(body), nil)
	assert.Equal(t, apperrors.KindTransient, apperrors.KindOf(err))
	assert.Empty(t, sub.msgs)
}

type chanPublisher struct {
	ch  chan []byte
	err error
}

func (p *chanPublisher) Publish(_ context.Context, _ string, payload []byte, _ int) error {
	if p.err != nil {
		return p.err
	}
	p.ch <- payload
	return nil
}

func TestEnqueuer_PublishesInBackground(t *testing.T) {
	pub := &chanPublisher{ch: make(chan []byte, 1)}
	e := NewEnqueuer(pub, "provider_events", 4, 1, zap.NewNop())
	defer e.Close()

	require.True(t, e.Submit(models.EventMessage{EventID: "e1", AccountExternalID: "a", Payload: json.RawMessage(`{}`)}))

	select {
	case raw := <-pub.ch:
		var msg models.EventMessage
		require.NoError(t, json.Unmarshal(raw, &msg))
		assert.Equal(t, "e1", msg.EventID)
	case <-time.After(time.Second):
		t.Fatal("event was not published")
	}
}

func TestEnqueuer_FullBufferRejects(t *testing.T) {
	// unbuffered publisher blocks the single worker on the first message
	pub := &chanPublisher{ch: make(chan []byte)}
	e := NewEnqueuer(pub, "provider_events", 1, 1, zap.NewNop())

	accepted := 0
	for i := 0; i < 5; i++ {
		if e.Submit(models.EventMessage{EventID: "e", Payload: json.RawMessage(`{}`)}) {
			accepted++
		}
	}
	assert.Less(t, accepted, 5)

	go func() {
		for range pub.ch {
		}
	}()
	e.Close()
	close(pub.ch)
}

func TestEnqueuer_PublishErrorIsNotFatal(t *testing.T) {
	pub := &chanPublisher{err: errors.New("broker down")}
	e := NewEnqueuer(pub, "provider_events", 2, 1, zap.NewNop())

	assert.True(t, e.Submit(models.EventMessage{EventID: "e", Payload: json.RawMessage(`{}`)}))
	e.Close()
}

func TestEnqueuer_SubmitAfterCloseRejects(t *testing.T) {
	pub := &chanPublisher{ch: make(chan []byte, 1)}
	e := NewEnqueuer(pub, "provider_events", 2, 1, zap.NewNop())
	e.Close()

	assert.NotPanics(t, func() {
		assert.False(t, e.Submit(models.EventMessage{EventID: "late", Payload: json.RawMessage(`{}`)}))
	})
	e.Close()
}
