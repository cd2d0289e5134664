package handlers

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mabletask/telemetry/config"
	"mabletask/telemetry/health"
	"mabletask/telemetry/middleware"
	"mabletask/telemetry/models"
	"mabletask/telemetry/processor"
	"mabletask/telemetry/realtime"
	"mabletask/telemetry/tracking"
	"mabletask/telemetry/utils"
)

var testSecret = []byte("handlers-secret")

type fakeTracker struct {
	mu       sync.Mutex
	linked   []string
	lastMeta tracking.RequestMeta
	failAll  error
}

func (f *fakeTracker) Submit(_ context.Context, req models.SubmitEventRequest, meta tracking.RequestMeta) (models.SubmitResult, error) {
	f.mu.Lock()
	f.lastMeta = meta
	f.mu.Unlock()
	if req.DeviceID == "" {
		err := &models.ValidationError{Field: "deviceId"}
		return models.SubmitResult{Error: err.Error()}, err
	}
	if f.failAll != nil {
		return models.SubmitResult{EventID: "e1", Error: f.failAll.Error()}, f.failAll
	}
	return models.SubmitResult{Success: true, EventID: "e-" + req.DeviceID, Queued: true}, nil
}

func (f *fakeTracker) SubmitBatch(ctx context.Context, reqs []models.SubmitEventRequest, meta tracking.RequestMeta) []models.SubmitResult {
	out := make([]models.SubmitResult, 0, len(reqs))
	for _, r := range reqs {
		res, _ := f.Submit(ctx, r, meta)
		out = append(out, res)
	}
	return out
}

func (f *fakeTracker) StartSession(_ context.Context, req models.StartSessionRequest) (bool, error) {
	if req.SessionID == "" {
		return false, &models.ValidationError{Field: "sessionId"}
	}
	return true, nil
}

func (f *fakeTracker) EndSession(_ context.Context, req models.EndSessionRequest) error {
	if req.SessionID == "gone" {
		return models.ErrSessionNotFound
	}
	return nil
}

func (f *fakeTracker) LinkDevice(_ context.Context, deviceID, userID string) (models.LinkResult, error) {
	if userID == "" {
		return models.LinkResult{}, &models.ValidationError{Field: "userId"}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.linked = append(f.linked, deviceID+"->"+userID)
	return models.LinkResult{Events: 4, Sessions: 1}, nil
}

type fakeAnalytics struct {
	days   int
	limit  int
	offset int
	err    error
}

func (f *fakeAnalytics) GetUserAnalytics(_ context.Context, deviceID, userID string, days int) (*models.UserAnalytics, error) {
	f.days = days
	if f.err != nil {
		return nil, f.err
	}
	return &models.UserAnalytics{
		ScreenViews: []models.ScreenViewStat{{ScreenName: "home", TotalViews: 3, AvgDuration: 1.5}},
	}, nil
}

func (f *fakeAnalytics) ListDevices(_ context.Context, limit, offset int) ([]models.DeviceSummary, error) {
	f.limit, f.offset = limit, offset
	return []models.DeviceSummary{{DeviceRecord: models.DeviceRecord{DeviceID: "d1"}, TotalEvents: 9}}, nil
}

func newRouter(t *testing.T) (*gin.Engine, *fakeTracker, *fakeAnalytics) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	tr := &fakeTracker{}
	an := &fakeAnalytics{}
	r := gin.New()
	RegisterBehaviorRoutes(r.Group("/api"), NewBehaviorHandlers(tr, an), middleware.AuthRequired(testSecret, ""))
	return r, tr, an
}

func bearer(t *testing.T, userID string) string {
	t.Helper()
	token, err := utils.GenerateJWT(testSecret, userID, userID+"@example.com", time.Hour)
	require.NoError(t, err)
	return "Bearer " + token
}

func do(r http.Handler, method, url, body, auth string) *httptest.ResponseRecorder {
	var rd *bytes.Reader
	if body != "" {
		rd = bytes.NewReader([]byte(body))
	} else {
		rd = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, url, rd)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "storefront/1.0")
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func TestTrackEvent(t *testing.T) {
	r, tr, _ := newRouter(t)

	w := do(r, http.MethodPost, "/api/behavior/track", `{"deviceId":"d1","eventType":"screen_view","eventData":{"duration":2}}`, "")
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "e-d1", body["eventId"])
	assert.Equal(t, "storefront/1.0", tr.lastMeta.UserAgent)

	w = do(r, http.MethodPost, "/api/behavior/track", `{"eventType":"screen_view"}`, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "deviceId is required", decode(t, w)["error"])

	w = do(r, http.MethodPost, "/api/behavior/track", `{not json`, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestTrackEvent_InternalErrorHidden(t *testing.T) {
	r, tr, _ := newRouter(t)
	tr.failAll = errors.New("pq: connection refused")

	w := do(r, http.MethodPost, "/api/behavior/track", `{"deviceId":"d1"}`, "")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	body := decode(t, w)
	assert.Equal(t, false, body["success"])
	assert.Equal(t, "Failed to record event", body["error"])
}

func TestTrackBatch(t *testing.T) {
	r, _, _ := newRouter(t)

	w := do(r, http.MethodPost, "/api/behavior/track/batch", `[{"deviceId":"d1"},{},{"deviceId":"d2"}]`, "")
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, float64(2), body["accepted"])
	results, ok := body["results"].([]any)
	require.True(t, ok)
	assert.Len(t, results, 3)

	w = do(r, http.MethodPost, "/api/behavior/track/batch", `[]`, "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(0), decode(t, w)["accepted"])

	big := "[" + strings.Repeat(`{"deviceId":"d"},`, maxBatchEvents) + `{"deviceId":"d"}]`
	w = do(r, http.MethodPost, "/api/behavior/track/batch", big, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSessions(t *testing.T) {
	r, _, _ := newRouter(t)

	w := do(r, http.MethodPost, "/api/behavior/session/start", `{"deviceId":"d1","sessionId":"s1"}`, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, decode(t, w)["created"])

	w = do(r, http.MethodPost, "/api/behavior/session/start", `{"deviceId":"d1"}`, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(r, http.MethodPost, "/api/behavior/session/end", `{"sessionId":"s1","duration":30}`, "")
	assert.Equal(t, http.StatusOK, w.Code)

	w = do(r, http.MethodPost, "/api/behavior/session/end", `{"sessionId":"gone"}`, "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "session not found", decode(t, w)["error"])
}

func TestLinkDevice(t *testing.T) {
	r, tr, _ := newRouter(t)

	w := do(r, http.MethodPost, "/api/behavior/link-device", `{"deviceId":"d1"}`, "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = do(r, http.MethodPost, "/api/behavior/link-device", `{"deviceId":"d1"}`, bearer(t, "u-from-token"))
	require.Equal(t, http.StatusOK, w.Code)

	w = do(r, http.MethodPost, "/api/behavior/link-device", `{"deviceId":"d2","userId":"u-explicit"}`, bearer(t, "u-from-token"))
	require.Equal(t, http.StatusOK, w.Code)

	assert.Equal(t, []string{"d1->u-from-token", "d2->u-explicit"}, tr.linked)
}

func TestGetAnalytics(t *testing.T) {
	r, _, an := newRouter(t)
	auth := bearer(t, "u1")

	w := do(r, http.MethodGet, "/api/behavior/analytics?deviceId=d1&days=7", "", auth)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 7, an.days)

	w = do(r, http.MethodGet, "/api/behavior/analytics?deviceId=d1", "", auth)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, defaultDays, an.days)

	w = do(r, http.MethodGet, "/api/behavior/analytics?days=7", "", auth)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(r, http.MethodGet, "/api/behavior/analytics?deviceId=d1&days=0", "", auth)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	an.err = errors.New("boom")
	w = do(r, http.MethodGet, "/api/behavior/analytics?deviceId=d1", "", auth)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "Internal server error", decode(t, w)["error"])
}

func TestListDevices(t *testing.T) {
	r, _, an := newRouter(t)
	auth := bearer(t, "u1")

	w := do(r, http.MethodGet, "/api/behavior/devices?limit=10000&offset=20", "", auth)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, maxDevices, an.limit)
	assert.Equal(t, 20, an.offset)

	w = do(r, http.MethodGet, "/api/behavior/devices?offset=-1", "", auth)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

type okPinger struct{}

func (okPinger) Ping(context.Context) error { return nil }

type downPinger struct{}

func (downPinger) Ping(context.Context) error { return errors.New("down") }

type bigQueue struct{}

func (bigQueue) Pending(context.Context) (int64, error) { return 10000, nil }

func TestHealth(t *testing.T) {
	gin.SetMode(gin.TestMode)

	r := gin.New()
	h := &HealthHandlers{
		Monitor: health.NewMonitor(okPinger{}, nil, nil, nil, time.Minute),
		Stats:   func() processor.WorkerStats { return processor.WorkerStats{Buffered: 3} },
		Breaker: func() string { return "closed" },
	}
	r.GET("/health", h.Health)

	w := do(r, http.MethodGet, "/health", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "closed", body["queueBreaker"])
	worker, ok := body["worker"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(3), worker["buffered"])

	critical := gin.New()
	critical.GET("/health", (&HealthHandlers{Monitor: health.NewMonitor(downPinger{}, nil, bigQueue{}, nil, time.Minute)}).Health)
	w = do(critical, http.MethodGet, "/health", "", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "critical", decode(t, w)["status"])
}

func TestLiveRoutes(t *testing.T) {
	gin.SetMode(gin.TestMode)
	hub := realtime.NewHub(nil, config.HubConfig{
		RecencyWindow:     5 * time.Minute,
		RingSize:          100,
		InitialEvents:     10,
		SnapshotEvents:    20,
		BroadcastInterval: time.Minute,
	})
	hub.AddEvent(&models.BehaviorEvent{EventID: "e1", DeviceID: "d1"})

	r := gin.New()
	RegisterLiveRoutes(r.Group("/api"), NewLiveHandlers(hub, ""), middleware.AuthRequired(testSecret, ""))
	srv := httptest.NewServer(r)
	defer srv.Close()

	token, err := utils.GenerateJWT(testSecret, "ops", "ops@example.com", time.Hour)
	require.NoError(t, err)

	w := do(r, http.MethodGet, "/api/live/metrics", "", "Bearer "+token)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"e1"`)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/live?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	var msg struct {
		Type realtime.MessageType `json:"type"`
	}
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, &msg))
	assert.Equal(t, realtime.MessageTypeInitial, msg.Type)
	assert.Eventually(t, func() bool { return hub.SubscriberCount() == 1 }, time.Second, 5*time.Millisecond)

	_, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/api/live", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}
