package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mailtester/keybroker-go/internal/engine"
	"github.com/mailtester/keybroker-go/internal/keystore"
	"github.com/mailtester/keybroker-go/internal/logger"
	"github.com/mailtester/keybroker-go/internal/plan"
	"github.com/mailtester/keybroker-go/internal/registry"
	"github.com/mailtester/keybroker-go/internal/waitqueue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRouter(t *testing.T, store keystore.Store) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	log := logger.NewWithWriter("error", io.Discard)
	policy := plan.DefaultPolicy()
	eng := engine.New(store, log, nil)
	reg := registry.New(store, policy, log)

	broker := waitqueue.NewMemoryBroker()
	queue := waitqueue.New(broker, eng, waitqueue.Config{
		Concurrency: 2,
		Backoff:     10 * time.Millisecond,
		MaxWait:     80 * time.Millisecond,
	}, log, nil)
	ctx, cancel := context.WithCancel(context.Background())
	queue.Start(ctx)
	t.Cleanup(cancel)

	h := New(eng, queue, reg, policy, log, nil)

	router := gin.New()
	router.GET("/key/available", h.Available)
	router.GET("/key/available/queued", h.AvailableQueued)
	router.GET("/status", h.Status)
	router.GET("/limits", h.Limits)
	router.POST("/keys", h.RegisterKey)
	router.DELETE("/keys/:id", h.DeleteKey)
	router.GET("/health", h.Health)
	return router
}

func doRequest(router *gin.Engine, method, path, body string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestAvailableReturnsKey(t *testing.T) {
	store := keystore.NewMemoryStore()
	limits := plan.DefaultPolicy().Limits(plan.Pro)
	k := keystore.NewKey("sub_a", plan.Pro, limits, time.Now().UnixMilli())
	require.NoError(t, store.Insert(context.Background(), k))

	router := newTestRouter(t, store)
	rec := doRequest(router, http.MethodGet, "/key/available", "")

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "ok", body["status"])

	key, ok := body["key"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "sub_a", key["subscriptionId"])
	assert.Equal(t, "pro", key["plan"])
	assert.Equal(t, float64(860), key["avgRequestIntervalMs"])
	assert.NotZero(t, key["nextRequestAllowedAt"])
}

func TestAvailableEmptyPoolReturnsWait(t *testing.T) {
	router := newTestRouter(t, keystore.NewMemoryStore())
	rec := doRequest(router, http.MethodGet, "/key/available", "")

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "wait", body["status"])
	assert.Equal(t, float64(170), body["waitMs"], "hint is the smallest plan interval")
}

func TestAvailableQueuedSuccess(t *testing.T) {
	store := keystore.NewMemoryStore()
	limits := plan.DefaultPolicy().Limits(plan.Ultimate)
	k := keystore.NewKey("sub_a", plan.Ultimate, limits, time.Now().UnixMilli())
	k.AvgIntervalMs = 1
	require.NoError(t, store.Insert(context.Background(), k))

	router := newTestRouter(t, store)
	rec := doRequest(router, http.MethodGet, "/key/available/queued", "")

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "ok", body["status"])
}

func TestAvailableQueuedTimeoutReturns429(t *testing.T) {
	router := newTestRouter(t, keystore.NewMemoryStore())
	rec := doRequest(router, http.MethodGet, "/key/available/queued", "")

	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "wait", body["status"])
	assert.Equal(t, float64(170), body["waitMs"])
}

func TestRegisterKey(t *testing.T) {
	store := keystore.NewMemoryStore()
	router := newTestRouter(t, store)

	rec := doRequest(router, http.MethodPost, "/keys", `{"subscriptionId":"sub_a","plan":"pro"}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	k, err := store.FindOne(context.Background(), "sub_a")
	require.NoError(t, err)
	assert.Equal(t, plan.Pro, k.Plan)
}

func TestRegisterKeyAcceptsIDAlias(t *testing.T) {
	store := keystore.NewMemoryStore()
	router := newTestRouter(t, store)

	rec := doRequest(router, http.MethodPost, "/keys", `{"id":"sub_alias","plan":"ultimate"}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	_, err := store.FindOne(context.Background(), "sub_alias")
	assert.NoError(t, err)
}

func TestRegisterKeyBadInput(t *testing.T) {
	router := newTestRouter(t, keystore.NewMemoryStore())

	rec := doRequest(router, http.MethodPost, "/keys", `{"plan":"pro"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(router, http.MethodPost, "/keys", `not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDeleteKey(t *testing.T) {
	store := keystore.NewMemoryStore()
	router := newTestRouter(t, store)

	doRequest(router, http.MethodPost, "/keys", `{"subscriptionId":"sub_a","plan":"pro"}`)

	rec := doRequest(router, http.MethodDelete, "/keys/sub_a", "")
	require.Equal(t, http.StatusOK, rec.Code)

	keys, err := store.FindAll(context.Background())
	require.NoError(t, err)
	assert.Empty(t, keys)

	rec = doRequest(router, http.MethodDelete, "/keys/sub_a", "")
	assert.Equal(t, http.StatusOK, rec.Code, "absent delete is a no-op")

	rec = doRequest(router, http.MethodDelete, "/keys/%20%20", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStatusAndLimits(t *testing.T) {
	store := keystore.NewMemoryStore()
	router := newTestRouter(t, store)

	doRequest(router, http.MethodPost, "/keys", `{"subscriptionId":"sub_a","plan":"pro"}`)
	doRequest(router, http.MethodPost, "/keys", `{"subscriptionId":"sub_b","plan":"ultimate"}`)

	rec := doRequest(router, http.MethodGet, "/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var status []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	require.Len(t, status, 2)
	assert.Equal(t, "active", status[0]["status"])

	rec = doRequest(router, http.MethodGet, "/limits", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var limits []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &limits))
	require.Len(t, limits, 2)
	_, hasCounters := limits[0]["usedInWindow"]
	assert.False(t, hasCounters, "limits projection carries no counters")
}

func TestHealth(t *testing.T) {
	router := newTestRouter(t, keystore.NewMemoryStore())
	rec := doRequest(router, http.MethodGet, "/health", "")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decodeBody(t, rec)["status"])
}
