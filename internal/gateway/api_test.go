// ABOUTME: Tests for the HTTP API handlers using httptest and a SQLite-backed service
// ABOUTME: Covers ask, balance, session inspection, capability acquisition, turns and events

package gateway

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/ant-gateway/internal/config"
	"github.com/2389/ant-gateway/internal/conversation"
	"github.com/2389/ant-gateway/internal/descriptor"
	"github.com/2389/ant-gateway/internal/loader"
	"github.com/2389/ant-gateway/internal/metering"
	"github.com/2389/ant-gateway/internal/session"
	"github.com/2389/ant-gateway/internal/store"
	"github.com/2389/ant-gateway/internal/synth"
)

// testLogger creates a silent logger for tests.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeLedger returns scripted balances in order, repeating the last one.
type fakeLedger struct {
	mu      sync.Mutex
	amounts []int64
	err     error
}

func (f *fakeLedger) Balance(ctx context.Context) (metering.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return metering.Snapshot{}, f.err
	}
	amount := f.amounts[0]
	if len(f.amounts) > 1 {
		f.amounts = f.amounts[1:]
	}
	return metering.Snapshot{Amount: amount, Currency: "SAT"}, nil
}

type fakeResolver struct{}

func (fakeResolver) Resolve(ctx context.Context, uri string) (descriptor.Descriptor, error) {
	if strings.Contains(uri, "missing") {
		return descriptor.Descriptor{}, errors.New("descriptor transport error: 404")
	}
	return descriptor.Descriptor{
		Name:        "resource",
		Description: "Fetches the example resource",
		Access:      descriptor.Access{Endpoint: "https://example.com/resource", Method: "GET"},
	}, nil
}

type fakeSynth struct{}

func (fakeSynth) Synthesize(ctx context.Context, d descriptor.Descriptor) (synth.Source, error) {
	return synth.Source{Code: "package capability", Fenced: true}, nil
}

type fakeLoader struct{}

func (fakeLoader) Load(ctx context.Context, req loader.Request) (*loader.Capability, error) {
	return &loader.Capability{
		Identifier:  "fetch_resource",
		EntryPoint:  "fetch_resource",
		Description: req.Description,
		Params:      []loader.Param{{Name: "id", Type: "string", JSONType: "string"}},
		SessionID:   req.SessionID,
		URI:         req.URI,
		LoadedAt:    time.Now(),
	}, nil
}

// loopFunc adapts a function to conversation.ToolLoop.
type loopFunc func(ctx context.Context, req conversation.Request) (conversation.Result, error)

func (f loopFunc) Run(ctx context.Context, req conversation.Request) (conversation.Result, error) {
	return f(ctx, req)
}

// answering replies with text and appends the exchange to history.
func answering(text string) loopFunc {
	return func(ctx context.Context, req conversation.Request) (conversation.Result, error) {
		history := append(append([]session.Message(nil), req.History...),
			session.Message{Role: session.RoleUser, Content: req.Question},
			session.Message{Role: session.RoleAssistant, Content: text})
		return conversation.Result{Answer: text, History: history}, nil
	}
}

type fixture struct {
	gw     *Gateway
	srv    *httptest.Server
	ledger *fakeLedger
	store  *store.SQLiteStore
	svc    *conversation.Service
}

func newFixture(t *testing.T, loop conversation.ToolLoop) *fixture {
	t.Helper()
	logger := testLogger()

	db, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "ant.db"))
	require.NoError(t, err)

	ledger := &fakeLedger{amounts: []int64{1000, 990}}
	meter := metering.NewMeter(ledger, nil, metering.Options{}, logger)

	svc, err := conversation.New(conversation.Deps{
		Sessions:    session.New(10, nil, logger),
		Resolver:    fakeResolver{},
		Synthesizer: fakeSynth{},
		Loader:      fakeLoader{},
		ToolLoop:    loop,
		Meter:       meter,
		Store:       db,
		Events:      conversation.NewEventBroadcaster(logger),
	}, logger)
	require.NoError(t, err)

	cfg := &config.Config{}
	cfg.ApplyDefaults()
	gw, err := NewWithComponents(cfg, Components{Store: db, Service: svc, Balance: meter}, logger)
	require.NoError(t, err)

	srv := httptest.NewServer(gw.Handler())
	t.Cleanup(func() {
		srv.Close()
		_ = gw.Shutdown(context.Background())
	})
	return &fixture{gw: gw, srv: srv, ledger: ledger, store: db, svc: svc}
}

func (f *fixture) do(t *testing.T, method, path, body string) *http.Response {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, f.srv.URL+path, r)
	require.NoError(t, err)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func TestHandleAsk(t *testing.T) {
	f := newFixture(t, answering("**42** sats well spent"))

	resp := f.do(t, http.MethodPost, "/ask", `{"session_id":"s1","question":"what is it?"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decode[AskResponse](t, resp)
	assert.Equal(t, "s1", body.SessionID)
	assert.Equal(t, "**42** sats well spent", body.Answer)
	assert.Contains(t, body.AnswerHTML, "<strong>42</strong>")
	assert.Equal(t, int64(1000), body.InitialBalance)
	require.NotNil(t, body.FinalBalance)
	assert.Equal(t, int64(990), *body.FinalBalance)
	require.NotNil(t, body.BalanceDifference)
	assert.Equal(t, int64(10), *body.BalanceDifference)
	assert.True(t, body.DeltaAvailable)
	assert.Equal(t, "SAT", body.Currency)
	assert.Empty(t, body.AddedTools)
	assert.NotEmpty(t, body.TurnID)

	turn, err := f.store.GetTurn(context.Background(), body.TurnID)
	require.NoError(t, err)
	assert.Equal(t, "what is it?", turn.Question)
}

func TestHandleAsk_SessionHeader(t *testing.T) {
	f := newFixture(t, answering("ok"))

	req, err := http.NewRequest(http.MethodPost, f.srv.URL+"/ask", strings.NewReader(`{"question":"hi"}`))
	require.NoError(t, err)
	req.Header.Set(sessionHeader, "from-header")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "from-header", decode[AskResponse](t, resp).SessionID)
}

func TestHandleAsk_Errors(t *testing.T) {
	tests := []struct {
		name   string
		method string
		body   string
		setup  func(f *fixture)
		status int
	}{
		{name: "wrong method", method: http.MethodGet, status: http.StatusMethodNotAllowed},
		{name: "empty body", method: http.MethodPost, status: http.StatusBadRequest},
		{name: "invalid json", method: http.MethodPost, body: `{`, status: http.StatusBadRequest},
		{name: "missing question", method: http.MethodPost, body: `{"session_id":"s1"}`, status: http.StatusBadRequest},
		{name: "missing session", method: http.MethodPost, body: `{"question":"hi"}`, status: http.StatusBadRequest},
		{
			name:   "balance unavailable",
			method: http.MethodPost,
			body:   `{"session_id":"s1","question":"hi"}`,
			setup:  func(f *fixture) { f.ledger.err = errors.New("ledger down") },
			status: http.StatusBadGateway,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, answering("unused"))
			if tt.setup != nil {
				tt.setup(f)
			}
			resp := f.do(t, tt.method, "/ask", tt.body)
			assert.Equal(t, tt.status, resp.StatusCode)
			assert.NotEmpty(t, decode[map[string]string](t, resp)["error"])
		})
	}
}

func TestHandleAsk_ToolLoopFailure(t *testing.T) {
	f := newFixture(t, loopFunc(func(ctx context.Context, req conversation.Request) (conversation.Result, error) {
		return conversation.Result{}, errors.New("model unavailable")
	}))

	resp := f.do(t, http.MethodPost, "/ask", `{"session_id":"s1","question":"hi"}`)
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)

	turns, err := f.store.ListTurns(context.Background(), "s1", 10)
	require.NoError(t, err)
	require.Len(t, turns, 1)
	assert.Contains(t, turns[0].Error, "model unavailable")
}

func TestHandleBalance(t *testing.T) {
	f := newFixture(t, answering("unused"))

	for _, path := range []string{"/balance", "/get_balance"} {
		resp := f.do(t, http.MethodGet, path, "")
		require.Equal(t, http.StatusOK, resp.StatusCode, path)
		body := decode[BalanceResponse](t, resp)
		assert.Equal(t, "SAT", body.Currency)
	}

	f.ledger.err = errors.New("ledger down")
	resp := f.do(t, http.MethodGet, "/balance", "")
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)

	resp = f.do(t, http.MethodPost, "/balance", "")
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestSessionLifecycle(t *testing.T) {
	f := newFixture(t, answering("ok"))

	resp := f.do(t, http.MethodGet, "/sessions/s1", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode, "reading does not create a session")

	resp = f.do(t, http.MethodPost, "/sessions/s1/tools", `{"uri":"l402://example.com/resource"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	added := decode[AddToolResponse](t, resp)
	assert.Equal(t, "fetch_resource", added.Tool.Name)
	assert.Equal(t, []string{"id"}, added.Tool.Params)
	assert.Equal(t, "l402://example.com/resource", added.Tool.URI)

	resp = f.do(t, http.MethodGet, "/sessions/s1", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	sess := decode[SessionResponse](t, resp)
	require.Len(t, sess.Tools, 1)
	assert.Equal(t, "fetch_resource", sess.Tools[0].Name)
	assert.Equal(t, "Fetches the example resource", sess.Tools[0].Description)
	assert.Equal(t, 0, sess.HistoryLength)

	resp = f.do(t, http.MethodDelete, "/sessions/s1", "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = f.do(t, http.MethodDelete, "/sessions/s1", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = f.do(t, http.MethodPut, "/sessions/s1", "")
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestHandleAddTool_Errors(t *testing.T) {
	f := newFixture(t, answering("ok"))

	resp := f.do(t, http.MethodPost, "/sessions/s1/tools", `{"uri":"  "}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = f.do(t, http.MethodPost, "/sessions/s1/tools", `{"uri":"l402://example.com/missing"}`)
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Contains(t, decode[map[string]string](t, resp)["error"], "resolve")

	resp = f.do(t, http.MethodGet, "/sessions/s1/tools", "")
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)

	acqs, err := f.store.ListAcquisitions(context.Background(), "s1")
	require.NoError(t, err)
	assert.Len(t, acqs, 2, "failed acquisitions are audited")
}

func TestHandleTurns(t *testing.T) {
	f := newFixture(t, answering("ok"))

	for _, q := range []string{"first", "second"} {
		resp := f.do(t, http.MethodPost, "/ask", `{"session_id":"s1","question":"`+q+`"}`)
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}

	resp := f.do(t, http.MethodGet, "/sessions/s1/turns", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode[ListTurnsResponse](t, resp)
	require.Len(t, body.Turns, 2)
	assert.Equal(t, "second", body.Turns[0].Question, "newest first")

	resp = f.do(t, http.MethodGet, "/sessions/s1/turns?limit=1", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, decode[ListTurnsResponse](t, resp).Turns, 1)

	resp = f.do(t, http.MethodGet, "/sessions/s1/turns?limit=zero", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHandleEvents(t *testing.T) {
	f := newFixture(t, answering("ok"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.srv.URL+"/sessions/s1/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	readEvent := func() string {
		for {
			line, err := reader.ReadString('\n')
			require.NoError(t, err)
			if name, ok := strings.CutPrefix(line, "event: "); ok {
				return strings.TrimSpace(name)
			}
		}
	}
	assert.Equal(t, "started", readEvent())

	ask := f.do(t, http.MethodPost, "/ask", `{"session_id":"s1","question":"hi"}`)
	require.Equal(t, http.StatusOK, ask.StatusCode)

	assert.Equal(t, conversation.EventTurnCompleted, readEvent())
}

func TestHealth(t *testing.T) {
	f := newFixture(t, answering("ok"))
	f.svc.Sessions().GetOrCreate("s1")

	resp := f.do(t, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode[map[string]any](t, resp)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, float64(1), body["sessions"])
}

func TestHandleAsk_IdempotencyKey(t *testing.T) {
	f := newFixture(t, answering("ok"))

	ask := func(key, body string) int {
		req, err := http.NewRequest(http.MethodPost, f.srv.URL+"/ask", strings.NewReader(body))
		require.NoError(t, err)
		req.Header.Set(idempotencyHeader, key)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		return resp.StatusCode
	}

	valid := `{"session_id":"s1","question":"hi"}`
	assert.Equal(t, http.StatusOK, ask("k1", valid))
	assert.Equal(t, http.StatusConflict, ask("k1", valid), "retry is refused")
	assert.Equal(t, http.StatusOK, ask("k2", valid))

	assert.Equal(t, http.StatusBadRequest, ask("k3", `{"session_id":"s1"}`))
	assert.Equal(t, http.StatusOK, ask("k3", valid), "rejected requests release their key")

	turns, err := f.store.ListTurns(context.Background(), "s1", 10)
	require.NoError(t, err)
	assert.Len(t, turns, 3)
}

func TestHandleSessions(t *testing.T) {
	f := newFixture(t, answering("ok"))
	f.svc.Sessions().GetOrCreate("a")
	f.svc.Sessions().GetOrCreate("b")
	f.svc.Sessions().Touch("a")

	resp := f.do(t, http.MethodGet, "/sessions", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode[ListSessionsResponse](t, resp)
	assert.Equal(t, []string{"b", "a"}, body.Sessions, "least recently used first")
	assert.Equal(t, 10, body.Capacity)

	resp = f.do(t, http.MethodPost, "/sessions", "")
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}
