package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/glebarez/sqlite"
	"github.com/golang-jwt/jwt/v5"
	"github.com/scrapexi/creditledger/internal/clock"
	"github.com/scrapexi/creditledger/internal/config"
	ledgerdomain "github.com/scrapexi/creditledger/internal/ledger/domain"
	ledgerrepo "github.com/scrapexi/creditledger/internal/ledger/repository"
	ledgerservice "github.com/scrapexi/creditledger/internal/ledger/service"
	meteringservice "github.com/scrapexi/creditledger/internal/metering/service"
	"github.com/scrapexi/creditledger/internal/migration"
	"github.com/scrapexi/creditledger/internal/observability"
	paymentdomain "github.com/scrapexi/creditledger/internal/payment/domain"
	"github.com/scrapexi/creditledger/pkg/db/pagination"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	testServiceKey = "svc_test_key"
	testJWTSecret  = "dashboard-secret"
)

type mockWebhookService struct {
	mock.Mock
}

func (m *mockWebhookService) IngestWebhook(ctx context.Context, provider string, payload []byte, headers http.Header) (paymentdomain.Result, error) {
	args := m.Called(ctx, provider, payload, headers)
	return args.Get(0).(paymentdomain.Result), args.Error(1)
}

type mockReconciler struct {
	mock.Mock
}

func (m *mockReconciler) HandleEvent(ctx context.Context, event paymentdomain.Event) (paymentdomain.Result, error) {
	args := m.Called(ctx, event)
	return args.Get(0).(paymentdomain.Result), args.Error(1)
}

func (m *mockReconciler) ListTransactions(ctx context.Context, accountID snowflake.ID, page pagination.Pagination) (paymentdomain.ListTransactionsResponse, error) {
	args := m.Called(ctx, accountID, page)
	return args.Get(0).(paymentdomain.ListTransactionsResponse), args.Error(1)
}

type testServer struct {
	server     *Server
	ledger     ledgerdomain.Service
	webhooks   *mockWebhookService
	reconciler *mockReconciler
}

func newTestServer(t *testing.T) testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("db handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	if err := migration.AutoMigrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	node, err := snowflake.NewNode(3)
	if err != nil {
		t.Fatalf("new node: %v", err)
	}

	ledgerSvc := ledgerservice.NewService(ledgerservice.Params{
		DB:      db,
		Log:     zap.NewNop(),
		GenID:   node,
		Repo:    ledgerrepo.Provide(),
		Clock:   clock.NewSystemClock(),
		Catalog: config.NewStaticCatalogHolder(config.DefaultCatalog()),
	})
	meteringSvc := meteringservice.NewService(meteringservice.Params{
		Log:       zap.NewNop(),
		LedgerSvc: ledgerSvc,
	})

	cfg := config.Config{
		Auth: config.AuthConfig{
			ServiceAPIKey:      testServiceKey,
			DashboardJWTSecret: testJWTSecret,
		},
	}
	engine := NewEngine(EngineParams{
		Cfg:    cfg,
		ObsCfg: observability.Config{Environment: "test"},
		Log:    zap.NewNop(),
	})
	webhooks := &mockWebhookService{}
	reconciler := &mockReconciler{}
	srv := NewServer(ServerParams{
		Gin:         engine,
		Cfg:         cfg,
		Log:         zap.NewNop(),
		LedgerSvc:   ledgerSvc,
		MeteringSvc: meteringSvc,
		Reconciler:  reconciler,
		WebhookSvc:  webhooks,
	})
	return testServer{server: srv, ledger: ledgerSvc, webhooks: webhooks, reconciler: reconciler}
}

func (ts testServer) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	ts.server.Engine().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func dashboardToken(t *testing.T, subject string, secret string, expiresIn time.Duration) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   subject,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(expiresIn)),
	})
	signed, err := token.SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decode(t, rec)["status"])
}

func TestServiceKeyRequired(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/v1/accounts", "", map[string]string{"email": "a@example.com"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = ts.do(t, http.MethodPost, "/v1/accounts", "wrong", map[string]string{"email": "a@example.com"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	errBody := decode(t, rec)["error"].(map[string]any)
	assert.Equal(t, "unauthorized", errBody["type"])
}

func TestReservationFlowReturns402WhenExhausted(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/v1/accounts", testServiceKey, map[string]string{"email": "scraper@example.com", "external_id": "user_1"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	data := decode(t, rec)["data"].(map[string]any)
	accountID := fmt.Sprint(data["id"])
	path := "/v1/accounts/" + accountID + "/reservations"

	rec = ts.do(t, http.MethodPost, path, testServiceKey, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decode(t, rec)
	assert.Equal(t, true, body["granted"])
	assert.Equal(t, "subscription", body["source"])

	rec = ts.do(t, http.MethodPost, path, testServiceKey, map[string]int{"units": 99})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	summary := decode(t, rec)["summary"].(map[string]any)
	assert.EqualValues(t, 0, summary["available"])

	rec = ts.do(t, http.MethodPost, path, testServiceKey, nil)
	require.Equal(t, http.StatusPaymentRequired, rec.Code, rec.Body.String())
	body = decode(t, rec)
	assert.Equal(t, false, body["granted"])
	assert.Equal(t, "quota_exhausted", body["reason"])
	assert.Equal(t, "quota_exhausted", body["error"].(map[string]any)["type"])

	rec = ts.do(t, http.MethodPost, path, testServiceKey, map[string]int{"units": 0})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodGet, "/v1/accounts/"+accountID+"/summary", testServiceKey, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	summary = decode(t, rec)["data"].(map[string]any)
	assert.EqualValues(t, 100, summary["items_used"])
	assert.EqualValues(t, 100, summary["items_limit"])
}

func TestReservationWithEmptyBodyReservesOneUnit(t *testing.T) {
	ts := newTestServer(t)
	account, err := ts.ledger.CreateAccount(context.Background(), ledgerdomain.CreateAccountRequest{Email: "chunked@example.com"})
	require.NoError(t, err)
	path := "/v1/accounts/" + account.ID.String() + "/reservations"

	cases := map[string]func() *http.Request{
		"chunked_empty": func() *http.Request {
			req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(""))
			req.ContentLength = -1
			req.TransferEncoding = []string{"chunked"}
			req.Header.Set("Content-Type", "application/json")
			return req
		},
		"no_body": func() *http.Request {
			return httptest.NewRequest(http.MethodPost, path, http.NoBody)
		},
	}
	used := 0
	for name, build := range cases {
		t.Run(name, func(t *testing.T) {
			req := build()
			req.Header.Set("Authorization", "Bearer "+testServiceKey)
			rec := httptest.NewRecorder()
			ts.server.Engine().ServeHTTP(rec, req)
			require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
			used++
			summary := decode(t, rec)["summary"].(map[string]any)
			assert.EqualValues(t, used, summary["items_used"])
		})
	}

	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(`{"units":`))
	req.ContentLength = -1
	req.Header.Set("Authorization", "Bearer "+testServiceKey)
	rec := httptest.NewRecorder()
	ts.server.Engine().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUnknownAccountIs404(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodGet, "/v1/accounts/12345/summary", testServiceKey, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = ts.do(t, http.MethodGet, "/v1/accounts/not-a-number/summary", testServiceKey, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestOverrideSubscriptionKeepsUsage(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()
	account, err := ts.ledger.CreateAccount(ctx, ledgerdomain.CreateAccountRequest{Email: "fix@example.com"})
	require.NoError(t, err)
	_, err = ts.ledger.Mutate(ctx, account.ID, func(a *ledgerdomain.Account) error {
		a.ItemsUsed = 97
		return nil
	})
	require.NoError(t, err)

	rec := ts.do(t, http.MethodPut, "/v1/accounts/"+account.ID.String()+"/subscription", testServiceKey, map[string]string{
		"tier":   "Starter",
		"status": "active",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	summary := decode(t, rec)["data"].(map[string]any)
	assert.Equal(t, "Starter", summary["tier"])
	assert.EqualValues(t, 97, summary["items_used"])
	assert.EqualValues(t, 903, summary["available"])

	rec = ts.do(t, http.MethodPut, "/v1/accounts/"+account.ID.String()+"/subscription", testServiceKey, map[string]string{
		"tier":   "Starter",
		"status": "paused",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDashboardSummaryUsesJWTSubject(t *testing.T) {
	ts := newTestServer(t)
	_, err := ts.ledger.CreateAccount(context.Background(), ledgerdomain.CreateAccountRequest{
		ExternalID: "auth0|42",
		Email:      "me@example.com",
	})
	require.NoError(t, err)

	rec := ts.do(t, http.MethodGet, "/v1/me/summary", dashboardToken(t, "auth0|42", testJWTSecret, time.Hour), nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "Free", decode(t, rec)["data"].(map[string]any)["tier"])

	cases := map[string]string{
		"wrong_secret": dashboardToken(t, "auth0|42", "other", time.Hour),
		"expired":      dashboardToken(t, "auth0|42", testJWTSecret, -time.Minute),
		"service_key":  testServiceKey,
		"empty":        "",
	}
	for name, token := range cases {
		t.Run(name, func(t *testing.T) {
			rec := ts.do(t, http.MethodGet, "/v1/me/summary", token, nil)
			assert.Equal(t, http.StatusUnauthorized, rec.Code)
		})
	}

	rec = ts.do(t, http.MethodGet, "/v1/me/summary", dashboardToken(t, "auth0|missing", testJWTSecret, time.Hour), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestWebhookAcknowledgesConsumedEvents(t *testing.T) {
	ts := newTestServer(t)

	ts.webhooks.On("IngestWebhook", mock.Anything, "stripe", mock.Anything, mock.Anything).
		Return(paymentdomain.Result{Outcome: paymentdomain.OutcomeRejectedInvalid, TransactionID: 9, Reason: "unknown_kind"}, nil).Once()
	rec := ts.do(t, http.MethodPost, "/webhooks/stripe", "", map[string]string{"id": "evt_1"})
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "rejected_invalid", body["outcome"])
	assert.Equal(t, "unknown_kind", body["reason"])

	ts.webhooks.On("IngestWebhook", mock.Anything, "stripe", mock.Anything, mock.Anything).
		Return(paymentdomain.Result{}, paymentdomain.ErrInvalidSignature).Once()
	rec = ts.do(t, http.MethodPost, "/webhooks/stripe", "", map[string]string{"id": "evt_2"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	ts.webhooks.On("IngestWebhook", mock.Anything, "stripe", mock.Anything, mock.Anything).
		Return(paymentdomain.Result{}, ledgerdomain.ErrStoreUnavailable).Once()
	rec = ts.do(t, http.MethodPost, "/webhooks/stripe", "", map[string]string{"id": "evt_3"})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	ts.webhooks.On("IngestWebhook", mock.Anything, "stripe", mock.Anything, mock.Anything).
		Return(paymentdomain.Result{TransactionID: 10, Reason: "account_not_found"}, paymentdomain.ErrAccountNotResolved).Once()
	rec = ts.do(t, http.MethodPost, "/webhooks/stripe", "", map[string]string{"id": "evt_4"})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "account_not_resolved", decode(t, rec)["error"].(map[string]any)["type"])

	ts.webhooks.AssertExpectations(t)
}

func TestListTransactions(t *testing.T) {
	ts := newTestServer(t)
	ts.reconciler.On("ListTransactions", mock.Anything, snowflake.ID(77), pagination.Pagination{PageSize: 5, PageToken: "abc"}).
		Return(paymentdomain.ListTransactionsResponse{
			PageInfo:     pagination.PageInfo{HasMore: true, NextPageToken: "next"},
			Transactions: []paymentdomain.TransactionRecord{{ID: 1, ProviderEventID: "evt_1"}},
		}, nil).Once()

	rec := ts.do(t, http.MethodGet, "/v1/accounts/77/transactions?page_size=5&page_token=abc", testServiceKey, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decode(t, rec)
	assert.Len(t, body["data"], 1)
	ts.reconciler.AssertExpectations(t)

	rec = ts.do(t, http.MethodGet, "/v1/accounts/77/transactions?page_size=x", testServiceKey, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
