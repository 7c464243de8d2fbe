package handler

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rtsync/internal/metrics"
	"rtsync/internal/model"
	"rtsync/internal/scheduler"
	"rtsync/internal/service"
	"rtsync/internal/store"
	"rtsync/internal/testutil"
	"rtsync/pkg/logger"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func init() {
	gin.SetMode(gin.TestMode)
}

type bridgeHarness struct {
	t        *testing.T
	clock    *scheduler.Virtual
	dialer   *testutil.FakeDialer
	pipeline *service.Pipeline
	router   *gin.Engine
}

type harnessOption func(*service.PipelineConfig, *RouterConfig)

func newBridgeHarness(t *testing.T, opts ...harnessOption) *bridgeHarness {
	t.Helper()
	cfg := service.PipelineConfig{Connection: service.DefaultConnectionConfig()}
	cfg.Connection.URL = "ws://sync.test/ws"
	cfg.Connection.ReconnectJitter = 0
	rc := RouterConfig{
		Auth: service.NewBridgeAuthService(""),
		ErrorLogs: func(int) ([]logger.LogEntry, error) {
			return nil, nil
		},
	}
	for _, opt := range opts {
		opt(&cfg, &rc)
	}

	log, _ := test.NewNullLogger()
	reg := prometheus.NewRegistry()
	clock := scheduler.NewVirtual(t0)
	dialer := testutil.NewFakeDialer()
	p, err := service.NewPipeline(context.Background(), cfg, service.PipelineDeps{
		Dialer:    dialer,
		Scheduler: clock,
		Store:     store.NewMemory(),
		Metrics:   metrics.New(reg),
		Logger:    logrus.NewEntry(log),
	})
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })
	require.NoError(t, p.Connect(context.Background(), service.Credentials{Token: "tok", UserID: "7", SessionID: "s1"}))

	rc.Pipeline = p
	rc.Gatherer = reg
	return &bridgeHarness{t: t, clock: clock, dialer: dialer, pipeline: p, router: NewRouter(rc)}
}

func (h *bridgeHarness) do(method, path string, body any) *httptest.ResponseRecorder {
	h.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		switch b := body.(type) {
		case string:
			buf.WriteString(b)
		default:
			require.NoError(h.t, json.NewEncoder(&buf).Encode(b))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func feedback(id string) model.DomainEvent {
	return model.DomainEvent{
		ID:        id,
		Type:      model.EventFeedbackCreated,
		UserID:    "7",
		ProjectID: "42",
		Timestamp: t0,
	}
}

func sentEvents(t *testing.T, conn *testutil.FakeConn) []string {
	t.Helper()
	var ids []string
	for _, env := range conn.OfType(model.EnvelopeEvent) {
		envs := []*model.Envelope{env}
		if env.IsBatch() {
			var b model.BatchPayload
			require.NoError(t, env.Decode(&b))
			envs = b.Messages
		}
		for _, inner := range envs {
			var e model.DomainEvent
			require.NoError(t, inner.Decode(&e))
			ids = append(ids, e.ID)
		}
	}
	return ids
}

func TestHealth(t *testing.T) {
	h := newBridgeHarness(t)
	w := h.do(http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode[map[string]any](t, w)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "connected", body["connection"])

	h.pipeline.Disconnect()
	body = decode[map[string]any](t, h.do(http.MethodGet, "/health", nil))
	assert.Equal(t, "degraded", body["status"])
}

func TestMetricsEndpoint(t *testing.T) {
	h := newBridgeHarness(t)
	w := h.do(http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "rtsync_connection_status")
}

func TestState(t *testing.T) {
	h := newBridgeHarness(t)
	w := h.do(http.MethodGet, "/state", nil)
	require.Equal(t, http.StatusOK, w.Code)
	stats := decode[service.PipelineStats](t, w)
	assert.Equal(t, model.StatusConnected, stats.Connection.Status)
	assert.Equal(t, 0, stats.OfflinePending)
}

func TestPublishEvent(t *testing.T) {
	h := newBridgeHarness(t)
	conn := h.dialer.Last()

	w := h.do(http.MethodPost, "/events", feedback("e1"))
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	receipt := decode[service.Receipt](t, w)
	assert.False(t, receipt.Offline)
	assert.NotEmpty(t, receipt.ID)
	assert.Empty(t, sentEvents(t, conn), "普通优先级等待批量发送")

	h.clock.Advance(service.DefaultFlushInterval)
	assert.Equal(t, []string{"e1"}, sentEvents(t, conn))

	w = h.do(http.MethodPost, "/events?priority=high", feedback("e2"))
	require.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, []string{"e1", "e2"}, sentEvents(t, conn), "高优先级立即发送")
}

func TestPublishEventRejectsBadInput(t *testing.T) {
	h := newBridgeHarness(t)

	assert.Equal(t, http.StatusBadRequest, h.do(http.MethodPost, "/events", "{not json").Code)

	invalid := feedback("e1")
	invalid.Type = ""
	assert.Equal(t, http.StatusBadRequest, h.do(http.MethodPost, "/events", invalid).Code)

	assert.Equal(t, http.StatusBadRequest, h.do(http.MethodPost, "/events?priority=urgent", feedback("e2")).Code)
}

func TestPublishWhileDisconnectedIsRecordedOffline(t *testing.T) {
	h := newBridgeHarness(t)
	h.pipeline.Disconnect()

	w := h.do(http.MethodPost, "/events", feedback("e1"))
	require.Equal(t, http.StatusAccepted, w.Code)
	assert.True(t, decode[service.Receipt](t, w).Offline)

	stats := decode[service.PipelineStats](t, h.do(http.MethodGet, "/state", nil))
	assert.Equal(t, 1, stats.OfflinePending)
}

func TestSubscriptions(t *testing.T) {
	h := newBridgeHarness(t)

	w := h.do(http.MethodPost, "/subscriptions", map[string]any{
		"channels":   []string{"project:42"},
		"eventTypes": []string{"feedback:created"},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	id := decode[map[string]string](t, w)["subscriptionId"]
	require.NotEmpty(t, id)
	assert.Equal(t, 1, h.pipeline.Connection().Registry().Len())

	assert.Equal(t, http.StatusNoContent, h.do(http.MethodDelete, "/subscriptions/"+id, nil).Code)
	assert.Equal(t, http.StatusNotFound, h.do(http.MethodDelete, "/subscriptions/"+id, nil).Code)

	assert.Equal(t, http.StatusBadRequest, h.do(http.MethodPost, "/subscriptions", map[string]any{}).Code)
	assert.Equal(t, http.StatusBadRequest, h.do(http.MethodPost, "/subscriptions", map[string]any{
		"channels": []string{"bogus channel"},
	}).Code)
}

func TestMutationAndCache(t *testing.T) {
	h := newBridgeHarness(t)
	e := feedback("m1")
	e.Entity = &model.EntityRef{Key: "feedback:1", Version: 2}

	w := h.do(http.MethodPost, "/mutations", map[string]any{"event": e, "value": map[string]string{"title": "new"}})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	w = h.do(http.MethodGet, "/cache/feedback:1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	entry := decode[model.CacheEntry[json.RawMessage]](t, w)
	assert.EqualValues(t, 2, entry.Version)
	assert.JSONEq(t, `{"title":"new"}`, string(entry.Value))

	e.ID = "m2"
	w = h.do(http.MethodPost, "/mutations", map[string]any{"event": e, "value": map[string]string{"title": "old"}})
	assert.Equal(t, http.StatusConflict, w.Code, "版本未变化")

	assert.Equal(t, http.StatusNotFound, h.do(http.MethodGet, "/cache/missing", nil).Code)
	assert.Equal(t, http.StatusBadRequest, h.do(http.MethodPost, "/mutations", map[string]any{"event": e}).Code)
}

func TestFailedMessagesAndRetry(t *testing.T) {
	h := newBridgeHarness(t, func(cfg *service.PipelineConfig, _ *RouterConfig) {
		cfg.Connection.Queue.MaxAttempts = 1
	})

	require.Equal(t, http.StatusAccepted, h.do(http.MethodPost, "/events?priority=high", feedback("e1")).Code)
	h.clock.Advance(service.DefaultAckTimeout)

	w := h.do(http.MethodGet, "/messages/failed", nil)
	require.Equal(t, http.StatusOK, w.Code)
	failed := decode[struct {
		Messages []model.QueuedMessage `json:"messages"`
	}](t, w).Messages
	require.Len(t, failed, 1)

	w = h.do(http.MethodPost, "/messages/"+failed[0].Envelope.ID+"/retry", nil)
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Empty(t, h.pipeline.Failed())

	assert.Equal(t, http.StatusNotFound, h.do(http.MethodPost, "/messages/unknown/retry", nil).Code)
}

func TestConflicts(t *testing.T) {
	h := newBridgeHarness(t)

	w := h.do(http.MethodGet, "/conflicts", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"conflicts":[]}`, w.Body.String())

	assert.Equal(t, http.StatusBadRequest, h.do(http.MethodPost, "/conflicts/r1/resolve?how=merge", nil).Code)
	assert.Equal(t, http.StatusNotFound, h.do(http.MethodPost, "/conflicts/r1/resolve?how=discard", nil).Code)
}

func TestErrorLogs(t *testing.T) {
	entries := []logger.LogEntry{{Timestamp: t0, Level: "error", Message: "连接失败"}}
	var gotLimit int
	h := newBridgeHarness(t, func(_ *service.PipelineConfig, rc *RouterConfig) {
		rc.ErrorLogs = func(limit int) ([]logger.LogEntry, error) {
			gotLimit = limit
			return entries, nil
		}
	})

	w := h.do(http.MethodGet, "/logs/errors?limit=5", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 5, gotLimit)
	logs := decode[struct {
		Logs []logger.LogEntry `json:"logs"`
	}](t, w).Logs
	require.Len(t, logs, 1)
	assert.Equal(t, "连接失败", logs[0].Message)

	assert.Equal(t, http.StatusBadRequest, h.do(http.MethodGet, "/logs/errors?limit=x", nil).Code)
}

func TestErrorLogsFailure(t *testing.T) {
	h := newBridgeHarness(t, func(_ *service.PipelineConfig, rc *RouterConfig) {
		rc.ErrorLogs = func(int) ([]logger.LogEntry, error) { return nil, errors.New("日志系统未初始化") }
	})
	assert.Equal(t, http.StatusInternalServerError, h.do(http.MethodGet, "/logs/errors", nil).Code)
}

func TestBridgeAuthRequired(t *testing.T) {
	h := newBridgeHarness(t, func(_ *service.PipelineConfig, rc *RouterConfig) {
		rc.Auth = service.NewBridgeAuthService("secret")
	})

	assert.Equal(t, http.StatusOK, h.do(http.MethodGet, "/health", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, h.do(http.MethodGet, "/state", nil).Code)
	token := service.DeriveBridgeToken("secret")
	assert.Equal(t, http.StatusOK, h.do(http.MethodGet, "/state?token="+token, nil).Code)
}

func TestClosedPipelineIsUnavailable(t *testing.T) {
	h := newBridgeHarness(t)
	require.NoError(t, h.pipeline.Close())

	w := h.do(http.MethodPost, "/subscriptions", map[string]any{"channels": []string{"project:42"}})
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, http.StatusServiceUnavailable, h.do(http.MethodPost, "/events", feedback("e1")).Code)
}

func TestCORS(t *testing.T) {
	h := newBridgeHarness(t, func(_ *service.PipelineConfig, rc *RouterConfig) {
		rc.AllowedOrigins = []string{"http://localhost:5173"}
	})
	req := httptest.NewRequest(http.MethodOptions, "/events", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	w := httptest.NewRecorder()
	h.router.ServeHTTP(w, req)
	assert.Equal(t, "http://localhost:5173", w.Header().Get("Access-Control-Allow-Origin"))
}

// readSSE 读取下一条SSE消息的事件名和数据
func readSSE(t *testing.T, r *bufio.Reader) (string, string) {
	t.Helper()
	var name, data string
	for {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimRight(line, "\n")
		switch {
		case line == "":
			if name != "" || data != "" {
				return name, data
			}
		case strings.HasPrefix(line, "event:"):
			name = strings.TrimPrefix(line, "event:")
		case strings.HasPrefix(line, "data:"):
			data = strings.TrimPrefix(line, "data:")
		}
	}
}

func TestStream(t *testing.T) {
	h := newBridgeHarness(t)
	srv := httptest.NewServer(h.router)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/stream?channel=project:42", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/event-stream")

	r := bufio.NewReader(resp.Body)
	name, data := readSSE(t, r)
	require.Equal(t, "subscribed", name)
	var sub map[string]string
	require.NoError(t, json.Unmarshal([]byte(data), &sub))
	require.NotEmpty(t, sub["subscriptionId"])
	assert.Equal(t, 1, h.pipeline.Connection().Registry().Len())

	conn := h.dialer.Last()
	other := feedback("ignored")
	other.ProjectID = "7"
	env, err := model.NewEnvelope("srv-1", t0, other)
	require.NoError(t, err)
	conn.DeliverEnvelope(env)
	env, err = model.NewEnvelope("srv-2", t0, feedback("in-1"))
	require.NoError(t, err)
	conn.DeliverEnvelope(env)

	name, data = readSSE(t, r)
	require.Equal(t, "event", name)
	var e model.DomainEvent
	require.NoError(t, json.Unmarshal([]byte(data), &e))
	assert.Equal(t, "in-1", e.ID)

	cancel()
	assert.Eventually(t, func() bool {
		return h.pipeline.Connection().Registry().Len() == 0
	}, 2*time.Second, 10*time.Millisecond, "断开后取消临时订阅")
}

func TestStreamRequiresChannel(t *testing.T) {
	h := newBridgeHarness(t)
	assert.Equal(t, http.StatusBadRequest, h.do(http.MethodGet, "/stream", nil).Code)
	assert.Equal(t, http.StatusBadRequest, h.do(http.MethodGet, "/stream?channel=project:42&buffer=0", nil).Code)
}

func dialLocal(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	ws, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	resp.Body.Close()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(5*time.Second)))
	return ws
}

func TestWebSocketBridge(t *testing.T) {
	h := newBridgeHarness(t)
	srv := httptest.NewServer(h.router)
	defer srv.Close()
	ws := dialLocal(t, srv)

	require.NoError(t, ws.WriteJSON(clientFrame{Type: frameSubscribe, RequestID: "r1", Channels: []model.Channel{"project:42"}}))
	var frame serverFrame
	require.NoError(t, ws.ReadJSON(&frame))
	require.Equal(t, frameSubscribed, frame.Type)
	assert.Equal(t, "r1", frame.RequestID)
	subID := frame.SubscriptionID
	require.NotEmpty(t, subID)

	env, err := model.NewEnvelope("srv-1", t0, feedback("in-1"))
	require.NoError(t, err)
	h.dialer.Last().DeliverEnvelope(env)

	frame = serverFrame{}
	require.NoError(t, ws.ReadJSON(&frame))
	require.Equal(t, frameEvent, frame.Type)
	assert.Equal(t, subID, frame.SubscriptionID)
	require.NotNil(t, frame.Event)
	assert.Equal(t, "in-1", frame.Event.ID)

	out := feedback("out-1")
	require.NoError(t, ws.WriteJSON(clientFrame{Type: framePublish, RequestID: "r2", Priority: model.PriorityHigh, Event: &out}))
	frame = serverFrame{}
	require.NoError(t, ws.ReadJSON(&frame))
	require.Equal(t, framePublished, frame.Type)
	require.NotNil(t, frame.Receipt)
	assert.False(t, frame.Receipt.Offline)
	assert.Contains(t, sentEvents(t, h.dialer.Last()), "out-1")

	require.NoError(t, ws.WriteJSON(clientFrame{Type: frameUnsubscribe, RequestID: "r3", SubscriptionID: "someone-else"}))
	frame = serverFrame{}
	require.NoError(t, ws.ReadJSON(&frame))
	assert.Equal(t, frameError, frame.Type)
	assert.Equal(t, http.StatusNotFound, frame.Code)

	require.NoError(t, ws.WriteJSON(clientFrame{Type: "shout", RequestID: "r4"}))
	frame = serverFrame{}
	require.NoError(t, ws.ReadJSON(&frame))
	assert.Equal(t, frameError, frame.Type)
	assert.Equal(t, http.StatusBadRequest, frame.Code)

	require.NoError(t, ws.Close())
	assert.Eventually(t, func() bool {
		return h.pipeline.Connection().Registry().Len() == 0
	}, 2*time.Second, 10*time.Millisecond, "断开后释放订阅")
}

func TestWebSocketUnsubscribe(t *testing.T) {
	h := newBridgeHarness(t)
	srv := httptest.NewServer(h.router)
	defer srv.Close()
	ws := dialLocal(t, srv)
	defer ws.Close()

	require.NoError(t, ws.WriteJSON(clientFrame{Type: frameSubscribe, Channels: []model.Channel{"global"}}))
	var frame serverFrame
	require.NoError(t, ws.ReadJSON(&frame))
	require.Equal(t, frameSubscribed, frame.Type)

	require.NoError(t, ws.WriteJSON(clientFrame{Type: frameUnsubscribe, SubscriptionID: frame.SubscriptionID}))
	frame = serverFrame{}
	require.NoError(t, ws.ReadJSON(&frame))
	assert.Equal(t, frameUnsubscribed, frame.Type)
	assert.Equal(t, 0, h.pipeline.Connection().Registry().Len())

	require.NoError(t, ws.WriteJSON(clientFrame{Type: frameSubscribe, Channels: []model.Channel{"not a channel"}}))
	frame = serverFrame{}
	require.NoError(t, ws.ReadJSON(&frame))
	assert.Equal(t, frameError, frame.Type)
	assert.Equal(t, http.StatusBadRequest, frame.Code)
}
