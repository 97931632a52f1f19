package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"order-alert-pipeline/pkg/config"
	"order-alert-pipeline/pkg/metrics"
	"order-alert-pipeline/pkg/models"
	"order-alert-pipeline/pkg/operator"
	"order-alert-pipeline/pkg/response"
	"order-alert-pipeline/pkg/store/redisstore"
	fixtures "order-alert-pipeline/pkg/testutil"
)

type sessionFixture struct {
	router  http.Handler
	service *operator.Service
	orders  *redisstore.Store
}

func setupSession(t *testing.T) *sessionFixture {
	rdb, _ := fixtures.NewRedis(t)
	logger := fixtures.NewLogger()
	m := metrics.NewTestMetrics()

	cfg := config.Defaults()
	cfg.PodID = "pod-a"
	cfg.OperatorID = "op-default"

	orders := redisstore.New(rdb, logger, m)
	service := operator.NewService(rdb, orders, cfg, logger, m)
	t.Cleanup(func() { service.Stop(context.Background()) })

	return &sessionFixture{
		router:  NewSessionRouter(cfg, service, logger),
		service: service,
		orders:  orders,
	}
}

func (f *sessionFixture) do(method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func TestSessionRouter_ModalStartsIdle(t *testing.T) {
	f := setupSession(t)

	rec := f.do(http.MethodGet, "/session/modal", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var modal response.Modal
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &modal))
	assert.Equal(t, response.StateIdle, modal.State)
}

func TestSessionRouter_RejectRequiresReason(t *testing.T) {
	f := setupSession(t)

	rec := f.do(http.MethodPost, "/orders/O1/reject", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(http.MethodPost, "/orders/O1/reject", `{"reason":"Kitchen Busy"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestSessionRouter_AcceptWithoutModalConflicts(t *testing.T) {
	f := setupSession(t)

	rec := f.do(http.MethodPost, "/orders/O1/accept", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestSessionRouter_TapThenReadyThenAccept(t *testing.T) {
	f := setupSession(t)
	ctx := context.Background()

	require.NoError(t, f.orders.Put(ctx, models.Order{
		ID:        "O1",
		Status:    models.StatusPending,
		Locations: []string{"B1"},
		CreatedAt: time.Now(),
	}))

	rec := f.do(http.MethodPost, "/push/taps", `{"orderId":"O1","title":"New order"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, response.StateIdle, f.service.Controller().Modal().State)

	// The operator ID falls back to the configured default.
	rec = f.do(http.MethodPost, "/session/ready", `{"locations":["B1"]}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "op-default", f.service.Session().OperatorID())

	modal := f.service.Controller().Modal()
	require.Equal(t, response.StatePresenting, modal.State)
	assert.Equal(t, "O1", modal.OrderID)

	rec = f.do(http.MethodPost, "/orders/O1/accept", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"decision"`)

	order, err := f.orders.Get(ctx, "O1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusPreparing, order.Status)
	assert.Equal(t, "op-default", order.RespondedBy)
}

func TestSessionRouter_PushValidation(t *testing.T) {
	f := setupSession(t)

	rec := f.do(http.MethodPost, "/push/messages", `{"title":"no id"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(http.MethodPost, "/push/messages", `not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Backgrounded sessions raise a notification instead of presenting.
	rec = f.do(http.MethodPost, "/push/messages", `{"orderId":"O2","title":"New order"}`)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, response.StateIdle, f.service.Controller().Modal().State)
}

func TestSessionRouter_LifecycleValidation(t *testing.T) {
	f := setupSession(t)

	rec := f.do(http.MethodPost, "/session/lifecycle", `{"value":"sideways"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(http.MethodPost, "/session/lifecycle", `{"value":"foreground"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, f.service.Session().Foreground())
}

func TestSessionRouter_Health(t *testing.T) {
	f := setupSession(t)

	rec := f.do(http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, false, body["ready"])
}
