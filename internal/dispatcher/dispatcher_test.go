package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/marminbh/wa-dispatch/internal/apperrors"
	"github.com/marminbh/wa-dispatch/internal/models"
	"github.com/marminbh/wa-dispatch/internal/store"
)

const inboundPayload = `{
  "object": "whatsapp_business_account",
  "entry": [{
    "id": "WABA-1",
    "changes": [{
      "field": "messages",
      "value": {
        "messaging_product": "whatsapp",
        "metadata": {"display_phone_number": "15550783881", "phone_number_id": "PN-1"},
        "contacts": [{"profile": {"name": "Sheena Nelson"}, "wa_id": "16505551234"}],
        "messages": [{"from": "16505551234", "id": "wamid.IN1", "timestamp": "1749416383", "type": "text", "text": {"body": "hello"}}]
      }
    }]
  }]
}`

const statusPayload = `{
  "object": "whatsapp_business_account",
  "entry": [{
    "id": "WABA-1",
    "changes": [{
      "field": "messages",
      "value": {
        "messaging_product": "whatsapp",
        "statuses": [{"id": "wamid.IN1", "status": "read", "timestamp": "1749416400", "recipient_id": "16505551234"}]
      }
    }]
  }]
}`

type fixture struct {
	db         *gorm.DB
	events     *store.EventStore
	dispatcher *Dispatcher
	account    *models.Account
}

func setup(t *testing.T) *fixture {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:  gormlogger.Default.LogMode(gormlogger.Silent),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, db.AutoMigrate(&models.Account{}, &models.InboundEvent{}, &models.Conversation{}, &models.Message{}))

	accounts := store.NewAccountStore(db)
	account := &models.Account{ExternalID: "WABA-1", PhoneNumberID: "PN-1", AccessTokenCiphertext: "x"}
	require.NoError(t, accounts.Create(context.Background(), account))

	events := store.NewEventStore(db)
	d := NewDispatcher(events, accounts, store.NewConversationStore(db), 3, zap.NewNop())
	return &fixture{db: db, events: events, dispatcher: d, account: account}
}

func (f *fixture) persist(t *testing.T, externalID, payload string) []byte {
	t.Helper()
	event := &models.InboundEvent{AccountExternalID: externalID, RawBody: []byte(payload)}
	require.NoError(t, f.events.Create(context.Background(), event))
	body, err := json.Marshal(models.EventMessage{
		EventID:           event.ID.String(),
		AccountExternalID: externalID,
		Payload:           json.RawMessage(payload),
	})
	require.NoError(t, err)
	return body
}

func eventID(t *testing.T, body []byte) uuid.UUID {
	var msg models.EventMessage
	require.NoError(t, json.Unmarshal(body, &msg))
	return uuid.MustParse(msg.EventID)
}

func TestHandleEvent_InboundMessage(t *testing.T) {
	f := setup(t)
	body := f.persist(t, "WABA-1", inboundPayload)

	require.NoError(t, f.dispatcher.HandleEvent(context.Background(), body, 1))

	var msg models.Message
	require.NoError(t, f.db.First(&msg, "provider_message_id = ?", "wamid.IN1").Error)
	assert.Equal(t, "hello", msg.Body)
	assert.Equal(t, models.DirectionInbound, msg.Direction)
	assert.Equal(t, f.account.ID, msg.AccountID)

	var conv models.Conversation
	require.NoError(t, f.db.First(&conv, "contact_address = ?", "16505551234").Error)
	assert.Equal(t, "Sheena Nelson", conv.ContactName)
	assert.Equal(t, 1, conv.UnreadCount)

	event, err := f.events.GetByID(context.Background(), eventID(t, body))
	require.NoError(t, err)
	assert.True(t, event.Processed)
	assert.Nil(t, event.Error)
}

func TestHandleEvent_DuplicateDeliveryCreatesOneMessage(t *testing.T) {
	f := setup(t)
	first := f.persist(t, "WABA-1", inboundPayload)
	second := f.persist(t, "WABA-1", inboundPayload)

	require.NoError(t, f.dispatcher.HandleEvent(context.Background(), first, 1))
	require.NoError(t, f.dispatcher.HandleEvent(context.Background(), second, 1))
	require.NoError(t, f.dispatcher.HandleEvent(context.Background(), first, 2))

	var count int64
	require.NoError(t, f.db.Model(&models.Message{}).Where("provider_message_id = ?", "wamid.IN1").Count(&count).Error)
	assert.Equal(t, int64(1), count)

	var conv models.Conversation
	require.NoError(t, f.db.First(&conv, "contact_address = ?", "16505551234").Error)
	assert.Equal(t, 1, conv.UnreadCount)
}

func TestHandleEvent_StatusUpdate(t *testing.T) {
	f := setup(t)
	require.NoError(t, f.dispatcher.HandleEvent(context.Background(), f.persist(t, "WABA-1", inboundPayload), 1))
	require.NoError(t, f.dispatcher.HandleEvent(context.Background(), f.persist(t, "WABA-1", statusPayload), 1))

	var msg models.Message
	require.NoError(t, f.db.First(&msg, "provider_message_id = ?", "wamid.IN1").Error)
	assert.Equal(t, models.MessageStatusRead, msg.Status)
}

func TestHandleEvent_UnknownAccountIsRecordedNotRetried(t *testing.T) {
	f := setup(t)
	body := f.persist(t, "WABA-404", `{"entry":[{"id":"WABA-404","changes":[]}]}`)

	assert.NoError(t, f.dispatcher.HandleEvent(context.Background(), body, 1))

	event, err := f.events.GetByID(context.Background(), eventID(t, body))
	require.NoError(t, err)
	assert.True(t, event.Processed)
	require.NotNil(t, event.Error)
	assert.Contains(t, *event.Error, "WABA-404")
}

const multiAccountPayload = `{
  "object": "whatsapp_business_account",
  "entry": [
    {"id": "WABA-1", "changes": [{"field": "messages", "value": {
      "messages": [{"from": "16505551234", "id": "wamid.A1", "timestamp": "1749416383", "type": "text", "text": {"body": "to one"}}]}}]},
    {"id": "WABA-404", "changes": [{"field": "messages", "value": {
      "messages": [{"from": "16505551234", "id": "wamid.X1", "timestamp": "1749416383", "type": "text", "text": {"body": "lost"}}]}}]},
    {"id": "WABA-2", "changes": [{"field": "messages", "value": {
      "messages": [{"from": "16505551234", "id": "wamid.B1", "timestamp": "1749416383", "type": "text", "text": {"body": "to two"}}]}}]}
  ]
}`

func TestHandleEvent_EntriesApplyToTheirOwnAccount(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	other := &models.Account{ExternalID: "WABA-2", PhoneNumberID: "PN-2", AccessTokenCiphertext: "x"}
	require.NoError(t, store.NewAccountStore(f.db).Create(ctx, other))

	body := f.persist(t, "WABA-1", multiAccountPayload)
	assert.NoError(t, f.dispatcher.HandleEvent(ctx, body, 1))

	var first, second models.Message
	require.NoError(t, f.db.First(&first, "provider_message_id = ?", "wamid.A1").Error)
	require.NoError(t, f.db.First(&second, "provider_message_id = ?", "wamid.B1").Error)
	assert.Equal(t, f.account.ID, first.AccountID)
	assert.Equal(t, other.ID, second.AccountID)

	var lost int64
	require.NoError(t, f.db.Model(&models.Message{}).Where("provider_message_id = ?", "wamid.X1").Count(&lost).Error)
	assert.Zero(t, lost)

	event, err := f.events.GetByID(ctx, eventID(t, body))
	require.NoError(t, err)
	require.NotNil(t, event.Error)
	assert.Contains(t, *event.Error, "WABA-404")
}

func TestHandleEvent_MalformedMessageIsPermanent(t *testing.T) {
	f := setup(t)
	err := f.dispatcher.HandleEvent(context.Background(), []byte("{"), 1)
	assert.True(t, apperrors.IsPermanent(err))
}

type failingConversations struct{}

func (failingConversations) RecordInbound(context.Context, store.InboundRecord) (bool, error) {
	return false, errors.New("connection reset")
}

func (failingConversations) ApplyStatus(context.Context, uuid.UUID, string, models.MessageStatus, *string) (int64, error) {
	return 0, errors.New("connection reset")
}

func TestHandleEvent_TransientFailureRetriesThenSwallows(t *testing.T) {
	f := setup(t)
	f.dispatcher.conversations = failingConversations{}
	body := f.persist(t, "WABA-1", inboundPayload)

	for attempt := 1; attempt < 3; attempt++ {
		err := f.dispatcher.HandleEvent(context.Background(), body, attempt)
		require.Error(t, err, "attempt %d", attempt)
		assert.Equal(t, apperrors.KindTransient, apperrors.KindOf(err))
	}
	assert.NoError(t, f.dispatcher.HandleEvent(context.Background(), body, 3))

	event, err := f.events.GetByID(context.Background(), eventID(t, body))
	require.NoError(t, err)
	assert.True(t, event.Processed)
	require.NotNil(t, event.Error)
	assert.Contains(t, *event.Error, "connection reset")
	assert.Equal(t, []byte(inboundPayload), event.RawBody)
}

type recordingEnqueuer struct {
	msgs []models.EventMessage
}

func (r *recordingEnqueuer) Enqueue(_ context.Context, msg models.EventMessage) error {
	r.msgs = append(r.msgs, msg)
	return nil
}

func TestRedriver(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	q := &recordingEnqueuer{}
	r := NewRedriver(f.events, q, time.Minute, -time.Minute, zap.NewNop())

	body := f.persist(t, "WABA-1", inboundPayload)
	id := eventID(t, body)

	event, err := r.Replay(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, id, event.ID)
	require.Len(t, q.msgs, 1)
	assert.JSONEq(t, inboundPayload, string(q.msgs[0].Payload))

	_, err = r.Replay(ctx, uuid.New())
	assert.Equal(t, apperrors.CodeEventNotFound, apperrors.Code(err))

	n, err := r.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, f.dispatcher.HandleEvent(ctx, body, 1))
	n, err = r.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestRedriver_SweepWaitsOutGraceAfterEnqueue(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	q := &recordingEnqueuer{}
	r := NewRedriver(f.events, q, time.Minute, time.Minute, zap.NewNop())
	now := time.Now().UTC().Add(2 * time.Minute)
	r.now = func() time.Time { return now }

	body := f.persist(t, "WABA-1", inboundPayload)
	id := eventID(t, body)

	n, err := r.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	stored, err := f.events.GetByID(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, stored.EnqueuedAt)

	n, err = r.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "an event enqueued within the grace period is left alone")

	now = now.Add(2 * time.Minute)
	n, err = r.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Len(t, q.msgs, 2)
}
