package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/marminbh/wa-dispatch/internal/apperrors"
	"github.com/marminbh/wa-dispatch/internal/campaign"
	"github.com/marminbh/wa-dispatch/internal/messaging"
	"github.com/marminbh/wa-dispatch/internal/models"
	"github.com/marminbh/wa-dispatch/internal/secrets"
	"github.com/marminbh/wa-dispatch/internal/store"
	"github.com/marminbh/wa-dispatch/internal/webhook"
)

const appSecret = "app-secret"

func decodeError(t *testing.T, resp *http.Response) ErrorDetail {
	t.Helper()
	var body ErrorBody
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return body.Error
}

type memoryEvents struct {
	created []*models.InboundEvent
}

func (m *memoryEvents) Create(_ context.Context, e *models.InboundEvent) error {
	e.ID = uuid.New()
	m.created = append(m.created, e)
	return nil
}

type nopSubmitter struct{ n int }

func (s *nopSubmitter) Submit(models.EventMessage) bool { s.n++; return true }

type fakeReplayer struct {
	known uuid.UUID
}

func (r fakeReplayer) Replay(_ context.Context, id uuid.UUID) (*models.InboundEvent, error) {
	if id != r.known {
		return nil, apperrors.NotFound(apperrors.CodeEventNotFound, "event not found")
	}
	return &models.InboundEvent{ID: id}, nil
}

func webhookApp(t *testing.T) (*fiber.App, *memoryEvents, uuid.UUID) {
	t.Helper()
	events := &memoryEvents{}
	gw := webhook.NewGateway(events, &nopSubmitter{}, webhook.NewFailureCounter(10, zap.NewNop()), appSecret, zap.NewNop())
	known := uuid.New()
	h := NewWebhookHandler(gw, fakeReplayer{known: known}, "verify-me", zap.NewNop())

	app := fiber.New()
	app.Get("/webhooks/provider", h.Challenge)
	app.Post("/webhooks/provider", h.Receive)
	app.Post("/webhooks/replay/:eventId", h.Replay)
	return app, events, known
}

func TestWebhookHandler_Challenge(t *testing.T) {
	app, _, _ := webhookApp(t)

	req := httptest.NewRequest(http.MethodGet, "/webhooks/provider?hub.mode=subscribe&hub.verify_token=verify-me&hub.challenge=1158201444", nil)
	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, "1158201444", string(body))

	req = httptest.NewRequest(http.MethodGet, "/webhooks/provider?hub.mode=subscribe&hub.verify_token=wrong&hub.challenge=1", nil)
	resp, err = app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, apperrors.CodeForbidden, decodeError(t, resp).Code)
}

func TestWebhookHandler_Receive(t *testing.T) {
	app, events, _ := webhookApp(t)
	payload := []byte(`{"object":"whatsapp_business_account","entry":[{"id":"WABA-1","changes":[]}]}`)
	sig, err := webhook.ComputeSignature(payload, appSecret)
	require.NoError(t, err)

	tests := []struct {
		name      string
		header    string
		signature string
		body      []byte
		status    int
	}{
		{"valid", "X-Signature", sig, payload, http.StatusOK},
		{"legacy header", "X-Hub-Signature-256", sig, payload, http.StatusOK},
		{"missing signature", "", "", payload, http.StatusUnauthorized},
		{"tampered body", "X-Signature", sig, append(append([]byte(nil), payload...), ' '), http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/webhooks/provider", bytes.NewReader(tt.body))
			req.Header.Set("Content-Type", "application/json")
			if tt.header != "" {
				req.Header.Set(tt.header, tt.signature)
			}
			resp, err := app.Test(req)
			require.NoError(t, err)
			assert.Equal(t, tt.status, resp.StatusCode)
		})
	}
	require.Len(t, events.created, 2)
	assert.Equal(t, payload, events.created[0].RawBody)

	noAccount := []byte(`{"entry":[]}`)
	sig, err = webhook.ComputeSignature(noAccount, appSecret)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/provider", bytes.NewReader(noAccount))
	req.Header.Set("X-Signature", sig)
	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, apperrors.CodeMissingAccount, decodeError(t, resp).Code)
}

func TestWebhookHandler_Replay(t *testing.T) {
	app, _, known := webhookApp(t)

	resp, err := app.Test(httptest.NewRequest(http.MethodPost, "/webhooks/replay/"+known.String(), nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp, err = app.Test(httptest.NewRequest(http.MethodPost, "/webhooks/replay/"+uuid.NewString(), nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, err = app.Test(httptest.NewRequest(http.MethodPost, "/webhooks/replay/not-a-uuid", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

type fakeLister struct {
	got    store.EventFilter
	events []models.InboundEvent
	err    error
}

func (f *fakeLister) List(_ context.Context, filter store.EventFilter) ([]models.InboundEvent, bool, error) {
	f.got = filter
	return f.events, true, f.err
}

func TestEventsHandler_GetEvents(t *testing.T) {
	lister := &fakeLister{events: []models.InboundEvent{
		{ID: uuid.New(), AccountExternalID: "WABA-1", CreatedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)},
	}}
	app := fiber.New()
	app.Get("/webhooks/events", NewEventsHandler(lister, zap.NewNop()).GetEvents)

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/webhooks/events?account_id=WABA-1&unprocessed=true&limit=500&offset=10", nil))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body EventsResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Len(t, body.Events, 1)
	assert.True(t, body.HasMore)
	assert.Equal(t, "2026-01-02T03:04:05Z", body.Events[0].Timestamp)
	assert.Equal(t, store.EventFilter{AccountExternalID: "WABA-1", UnprocessedOnly: true, Limit: maxEventsLimit, Offset: 10}, lister.got)

	for _, q := range []string{"limit=0", "limit=abc", "offset=-1"} {
		resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/webhooks/events?"+q, nil))
		require.NoError(t, err)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, q)
	}

	lister.err = errors.New("db down")
	resp, err = app.Test(httptest.NewRequest(http.MethodGet, "/webhooks/events", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
}

type fakeSender struct {
	got      messaging.SendRequest
	replayed bool
	err      error
}

func (f *fakeSender) Send(_ context.Context, req messaging.SendRequest) (*messaging.SendResult, error) {
	f.got = req
	if f.err != nil {
		return nil, f.err
	}
	return &messaging.SendResult{Message: &models.Message{ID: uuid.New()}, Replayed: f.replayed}, nil
}

func postJSON(t *testing.T, app *fiber.App, path, body string, headers map[string]string) *http.Response {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := app.Test(req)
	require.NoError(t, err)
	return resp
}

func TestMessageHandler_Send(t *testing.T) {
	sender := &fakeSender{}
	app := fiber.New()
	app.Post("/messages", NewMessageHandler(sender, zap.NewNop()).Send)

	accountID := uuid.New()
	body := fmt.Sprintf(`{"account_id":%q,"to":"16505551234","text":"hi"}`, accountID)

	resp := postJSON(t, app, "/messages", body, map[string]string{"Idempotency-Key": "order-42"})
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "order-42", sender.got.ClientMessageID)
	assert.Equal(t, accountID, sender.got.AccountID)

	sender.replayed = true
	resp = postJSON(t, app, "/messages", body, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	sender.err = apperrors.Permanent(apperrors.CodeProviderRejected, errors.New("recipient not on platform"))
	resp = postJSON(t, app, "/messages", body, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Equal(t, apperrors.CodeProviderRejected, decodeError(t, resp).Code)

	resp = postJSON(t, app, "/messages", `{`, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

type fakeCampaigns struct {
	err error
}

func (f fakeCampaigns) Create(_ context.Context, req campaign.CreateRequest) (*models.Campaign, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &models.Campaign{ID: uuid.New(), AccountID: req.AccountID, Status: models.CampaignStatusSending, ContactCount: len(req.Destinations)}, nil
}

func (f fakeCampaigns) Get(_ context.Context, id uuid.UUID) (*models.CampaignStats, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &models.CampaignStats{Campaign: models.Campaign{ID: id}, SentCount: 2}, nil
}

func (f fakeCampaigns) Jobs(_ context.Context, id uuid.UUID) ([]models.CampaignJob, error) {
	if f.err != nil {
		return nil, f.err
	}
	return []models.CampaignJob{{ID: uuid.New(), CampaignID: id, Status: models.JobStatusSent, Attempts: 1}}, nil
}

func TestCampaignHandler(t *testing.T) {
	app := fiber.New()
	h := NewCampaignHandler(fakeCampaigns{}, zap.NewNop())
	app.Post("/campaigns", h.Create)
	app.Get("/campaigns/:id", h.Get)
	app.Get("/campaigns/:id/jobs", h.Jobs)

	resp := postJSON(t, app, "/campaigns", fmt.Sprintf(`{"account_id":%q,"text":"hi","destinations":["1","2"]}`, uuid.New()), nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var created models.Campaign
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	assert.Equal(t, 2, created.ContactCount)

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/campaigns/"+created.ID.String(), nil))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var stats map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stats))
	assert.EqualValues(t, 2, stats["sent_count"])
	assert.Equal(t, created.ID.String(), stats["id"])

	resp, err = app.Test(httptest.NewRequest(http.MethodGet, "/campaigns/"+created.ID.String()+"/jobs", nil))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var jobs struct {
		Jobs []models.CampaignJob `json:"jobs"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&jobs))
	require.Len(t, jobs.Jobs, 1)
	assert.Equal(t, created.ID, jobs.Jobs[0].CampaignID)

	failing := fiber.New()
	h = NewCampaignHandler(fakeCampaigns{err: apperrors.Rejected(apperrors.CodeInvalidRequest, "at least one destination is required")}, zap.NewNop())
	failing.Post("/campaigns", h.Create)
	resp = postJSON(t, failing, "/campaigns", `{"destinations":[]}`, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "at least one destination is required", decodeError(t, resp).Message)
}

func newTestDB(t *testing.T) *gorm.DB {
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
	require.NoError(t, db.AutoMigrate(&models.Account{}, &models.Template{}))
	return db
}

func TestAccountHandler(t *testing.T) {
	db := newTestDB(t)
	cipher, err := secrets.NewCipher(strings.Repeat("k", 32))
	require.NoError(t, err)
	accounts := store.NewAccountStore(db)

	app := fiber.New()
	h := NewAccountHandler(accounts, cipher, zap.NewNop())
	app.Post("/accounts", h.Create)
	app.Post("/accounts/:id/templates", h.CreateTemplate)

	body := `{"external_id":"WABA-9","phone_number_id":"PN-9","access_token":"EAAG-secret"}`
	resp := postJSON(t, app, "/accounts", body, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	raw, _ := io.ReadAll(resp.Body)
	assert.NotContains(t, string(raw), "EAAG-secret")

	stored, err := accounts.FindByExternalID(context.Background(), "WABA-9")
	require.NoError(t, err)
	assert.NotEqual(t, "EAAG-secret", stored.AccessTokenCiphertext)
	plain, err := cipher.Decrypt(stored.AccessTokenCiphertext)
	require.NoError(t, err)
	assert.Equal(t, "EAAG-secret", plain)

	resp = postJSON(t, app, "/accounts", body, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = postJSON(t, app, "/accounts", `{"external_id":"x"}`, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = postJSON(t, app, "/accounts/"+stored.ID.String()+"/templates", `{"name":"order_update","language":"en_US","status":"approved"}`, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var tmpl models.Template
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&tmpl))
	assert.True(t, tmpl.Approved())

	resp = postJSON(t, app, "/accounts/"+uuid.NewString()+"/templates", `{"name":"x","language":"en"}`, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

type fakeBroker struct{ healthy bool }

func (b fakeBroker) IsHealthy() bool { return b.healthy }

func TestHealthCheck(t *testing.T) {
	db := newTestDB(t)

	app := fiber.New()
	app.Get("/health", NewHealthHandler(db, fakeBroker{healthy: true}, nil).HealthCheck)
	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/health", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body HealthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "healthy", body.Status)
	assert.Equal(t, "healthy", body.Services["database"])
	assert.NotContains(t, body.Services, "redis")

	down := fiber.New()
	down.Get("/health", NewHealthHandler(db, fakeBroker{}, nil).HealthCheck)
	resp, err = down.Test(httptest.NewRequest(http.MethodGet, "/health", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}
