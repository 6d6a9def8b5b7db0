// ABOUTME: HTTP API handlers for metered questions, balances and session capabilities
// ABOUTME: Provides POST /ask, GET /balance, session inspection and a session event stream

package gateway

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/2389/ant-gateway/internal/auth"
	"github.com/2389/ant-gateway/internal/conversation"
	"github.com/2389/ant-gateway/internal/loader"
	"github.com/2389/ant-gateway/internal/metering"
	"github.com/2389/ant-gateway/internal/store"
)

// maxRequestBytes bounds JSON request bodies.
const maxRequestBytes = 1 << 20

// sessionHeader carries the session id when the body omits it.
const sessionHeader = "X-Session-ID"

// idempotencyHeader carries a client key that makes retried asks safe.
const idempotencyHeader = "Idempotency-Key"

// sseKeepAlive is the interval between keep-alive comments on event streams.
const sseKeepAlive = 15 * time.Second

// AskRequest is the JSON request body for POST /ask.
type AskRequest struct {
	SessionID string `json:"session_id"`
	Question  string `json:"question"`
}

// AskResponse is the JSON response for POST /ask.
type AskResponse struct {
	TurnID            string   `json:"turn_id"`
	SessionID         string   `json:"session_id"`
	Answer            string   `json:"answer"`
	AnswerHTML        string   `json:"answer_html,omitempty"`
	AddedTools        []string `json:"added_tools"`
	InitialBalance    int64    `json:"initial_balance"`
	FinalBalance      *int64   `json:"final_balance"`
	BalanceDifference *int64   `json:"balance_difference"`
	Currency          string   `json:"currency"`
	DeltaAvailable    bool     `json:"delta_available"`
	DisplayDifference *float64 `json:"display_difference,omitempty"`
	DisplayCurrency   string   `json:"display_currency,omitempty"`
	DurationMS        int64    `json:"duration_ms"`
}

// BalanceResponse is the JSON response for GET /balance.
type BalanceResponse struct {
	Balance  int64  `json:"balance"`
	Currency string `json:"currency"`
}

// ToolResponse describes one capability in a session.
type ToolResponse struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	URI         string   `json:"uri"`
	Params      []string `json:"params"`
	LoadedAt    string   `json:"loaded_at"`
}

// SessionResponse is the JSON response for GET /sessions/{id}.
type SessionResponse struct {
	SessionID     string         `json:"session_id"`
	Tools         []ToolResponse `json:"tools"`
	HistoryLength int            `json:"history_length"`
	CreatedAt     string         `json:"created_at"`
	LastUsed      string         `json:"last_used"`
}

// ListSessionsResponse is the JSON response for GET /sessions.
type ListSessionsResponse struct {
	Sessions []string `json:"sessions"` // least recently used first
	Capacity int      `json:"capacity"`
}

// AddToolRequest is the JSON request body for POST /sessions/{id}/tools.
type AddToolRequest struct {
	URI string `json:"uri"`
}

// AddToolResponse is the JSON response for POST /sessions/{id}/tools.
type AddToolResponse struct {
	SessionID string       `json:"session_id"`
	Tool      ToolResponse `json:"tool"`
}

// TurnResponse is one recorded turn in GET /sessions/{id}/turns.
type TurnResponse struct {
	ID           string   `json:"id"`
	Question     string   `json:"question"`
	Answer       string   `json:"answer"`
	Error        string   `json:"error,omitempty"`
	Currency     string   `json:"currency"`
	Before       int64    `json:"balance_before"`
	After        *int64   `json:"balance_after"`
	Delta        *int64   `json:"delta"`
	DisplayDelta *float64 `json:"display_delta,omitempty"`
	DisplayUnit  string   `json:"display_unit,omitempty"`
	AddedTools   []string `json:"added_tools"`
	DurationMS   int64    `json:"duration_ms"`
	CreatedAt    string   `json:"created_at"`
}

// ListTurnsResponse is the JSON response for GET /sessions/{id}/turns.
type ListTurnsResponse struct {
	SessionID string         `json:"session_id"`
	Turns     []TurnResponse `json:"turns"`
}

// handleAsk runs one metered turn.
func (g *Gateway) handleAsk(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		g.sendJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req AskRequest
	if err := decodeJSON(r, &req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.SessionID == "" {
		req.SessionID = r.Header.Get(sessionHeader)
	}

	subject := auth.Subject(r.Context())
	replayKey := ""
	if key := r.Header.Get(idempotencyHeader); key != "" {
		replayKey = subject + "\x00" + key
	}
	if !g.replays.Claim(replayKey) {
		g.sendJSONError(w, http.StatusConflict, "duplicate request: idempotency key already used")
		return
	}

	g.logger.Info("ask received",
		"session_id", req.SessionID,
		"sub", subject,
		"question_len", len(req.Question))

	result, err := g.service.Ask(r.Context(), req.SessionID, req.Question)
	if err != nil {
		status := askErrorStatus(err)
		// Nothing was spent; the client may retry with the same key.
		if status == http.StatusBadRequest || errors.Is(err, metering.ErrBalanceFetchFailed) {
			g.replays.Release(replayKey)
		}
		g.logger.Warn("ask failed", "session_id", req.SessionID, "status", status, "error", err)
		g.sendJSONError(w, status, err.Error())
		return
	}

	g.writeJSON(w, http.StatusOK, g.askResponse(req.SessionID, result))
}

// askErrorStatus maps service errors to HTTP status codes.
func askErrorStatus(err error) int {
	switch {
	case errors.Is(err, conversation.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, metering.ErrBalanceFetchFailed), errors.Is(err, conversation.ErrCollaborator):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (g *Gateway) askResponse(sessionID string, result *conversation.AskResult) AskResponse {
	rep := result.Report
	resp := AskResponse{
		TurnID:         result.TurnID,
		SessionID:      sessionID,
		Answer:         result.Answer.Text,
		AnswerHTML:     g.renderMarkdown(result.Answer.Text),
		AddedTools:     result.Answer.Added,
		InitialBalance: rep.Before.Amount,
		Currency:       rep.Before.Currency,
		DeltaAvailable: rep.DeltaAvailable,
		DurationMS:     rep.Duration.Milliseconds(),
	}
	if resp.AddedTools == nil {
		resp.AddedTools = []string{}
	}
	if rep.AfterAvailable {
		after := rep.After.Amount
		resp.FinalBalance = &after
	}
	if rep.DeltaAvailable {
		delta := rep.Delta
		resp.BalanceDifference = &delta
	}
	if rep.DisplayAvailable {
		display := rep.Display
		resp.DisplayDifference = &display
		resp.DisplayCurrency = rep.DisplayCurrency
	}
	return resp
}

// renderMarkdown converts an answer to HTML. Conversion failures yield an empty string.
func (g *Gateway) renderMarkdown(text string) string {
	if text == "" {
		return ""
	}
	var buf bytes.Buffer
	if err := g.markdown.Convert([]byte(text), &buf); err != nil {
		g.logger.Warn("markdown conversion failed", "error", err)
		return ""
	}
	return buf.String()
}

// handleBalance reports the current wallet balance.
func (g *Gateway) handleBalance(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		g.sendJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	snap, err := g.balance.Balance(r.Context())
	if err != nil {
		g.logger.Error("balance fetch failed", "error", err)
		g.sendJSONError(w, http.StatusBadGateway, err.Error())
		return
	}
	g.writeJSON(w, http.StatusOK, BalanceResponse{Balance: snap.Amount, Currency: snap.Currency})
}

// handleSessions lists live session ids in eviction order.
func (g *Gateway) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		g.sendJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	sessions := g.service.Sessions()
	g.writeJSON(w, http.StatusOK, ListSessionsResponse{
		Sessions: sessions.IDs(),
		Capacity: sessions.Capacity(),
	})
}

// handleSession serves GET and DELETE /sessions/{id}.
func (g *Gateway) handleSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	sessions := g.service.Sessions()

	switch r.Method {
	case http.MethodGet:
		snap, ok := sessions.Snapshot(id)
		if !ok {
			g.sendJSONError(w, http.StatusNotFound, "session not found")
			return
		}
		resp := SessionResponse{
			SessionID:     snap.ID,
			Tools:         make([]ToolResponse, 0, len(snap.Capabilities)),
			HistoryLength: len(snap.History),
			CreatedAt:     snap.CreatedAt.UTC().Format(time.RFC3339),
			LastUsed:      snap.LastUsed.UTC().Format(time.RFC3339),
		}
		for _, c := range snap.Capabilities {
			resp.Tools = append(resp.Tools, toolResponse(c.Identifier, c.Description, c.URI, c.LoadedAt, paramNames(c.Params)))
		}
		g.writeJSON(w, http.StatusOK, resp)

	case http.MethodDelete:
		if !sessions.Delete(id) {
			g.sendJSONError(w, http.StatusNotFound, "session not found")
			return
		}
		g.logger.Info("session deleted", "session_id", id, "sub", auth.Subject(r.Context()))
		w.WriteHeader(http.StatusNoContent)

	default:
		g.sendJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// handleAddTool acquires a capability into a session outside a turn.
func (g *Gateway) handleAddTool(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		g.sendJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	id := r.PathValue("id")

	var req AddToolRequest
	if err := decodeJSON(r, &req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	c, err := g.service.AddCapability(r.Context(), id, req.URI)
	if err != nil {
		status := http.StatusBadGateway
		var acqErr *conversation.AcquireError
		if errors.As(err, &acqErr) && acqErr.Stage == conversation.StageInput {
			status = http.StatusBadRequest
		}
		g.sendJSONError(w, status, err.Error())
		return
	}

	g.writeJSON(w, http.StatusCreated, AddToolResponse{
		SessionID: id,
		Tool:      toolResponse(c.Identifier, c.Description, c.URI, c.LoadedAt, paramNames(c.Params)),
	})
}

// handleTurns lists recorded turns for a session, newest first.
func (g *Gateway) handleTurns(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		g.sendJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if g.store == nil {
		g.sendJSONError(w, http.StatusServiceUnavailable, "turn history not available")
		return
	}
	id := r.PathValue("id")

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			g.sendJSONError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, 500)
	}

	turns, err := g.store.ListTurns(r.Context(), id, limit)
	if err != nil {
		g.logger.Error("listing turns failed", "session_id", id, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "failed to list turns")
		return
	}

	resp := ListTurnsResponse{SessionID: id, Turns: make([]TurnResponse, 0, len(turns))}
	for _, t := range turns {
		resp.Turns = append(resp.Turns, turnResponse(t))
	}
	g.writeJSON(w, http.StatusOK, resp)
}

// handleEvents streams a session's events as server-sent events until the
// client disconnects or the gateway shuts down.
func (g *Gateway) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		g.sendJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		g.sendJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}
	events := g.service.Events()
	if events == nil {
		g.sendJSONError(w, http.StatusServiceUnavailable, "events not available")
		return
	}
	id := r.PathValue("id")

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	ctx := r.Context()
	ch, _ := events.Subscribe(ctx, id)
	g.service.Sessions().Touch(id)

	streamID := uuid.New().String()
	g.writeSSEEvent(w, "started", map[string]string{"session_id": id, "stream_id": streamID})
	flusher.Flush()
	g.logger.Debug("event stream opened",
		"session_id", id,
		"stream_id", streamID,
		"subscribers", events.SubscriberCount(id),
	)

	ticker := time.NewTicker(sseKeepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			g.logger.Debug("event stream closed by client", "session_id", id, "stream_id", streamID)
			return
		case <-ticker.C:
			fmt.Fprint(w, ": keep-alive\n\n")
			flusher.Flush()
		case ev, ok := <-ch:
			if !ok {
				g.writeSSEEvent(w, "closed", map[string]string{"session_id": id})
				flusher.Flush()
				return
			}
			g.writeSSEEvent(w, ev.Type, ev)
			flusher.Flush()
		}
	}
}

// writeSSEEvent writes a single SSE event to the response writer.
func (g *Gateway) writeSSEEvent(w http.ResponseWriter, event string, data any) {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		g.logger.Error("failed to marshal SSE data", "error", err)
		return
	}

	fmt.Fprintf(w, "event: %s\n", event)
	fmt.Fprintf(w, "data: %s\n\n", dataJSON)
}

// writeJSON writes v as a JSON response.
func (g *Gateway) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Warn("failed to encode response", "error", err)
	}
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// decodeJSON decodes a bounded JSON request body into v.
func decodeJSON(r *http.Request, v any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBytes+1))
	if err != nil {
		return fmt.Errorf("reading body: %w", err)
	}
	if len(body) > maxRequestBytes {
		return errors.New("request body too large")
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return errors.New("request body is required")
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	return nil
}

func toolResponse(name, description, uri string, loadedAt time.Time, params []string) ToolResponse {
	return ToolResponse{
		Name:        name,
		Description: description,
		URI:         uri,
		Params:      params,
		LoadedAt:    loadedAt.UTC().Format(time.RFC3339),
	}
}

func turnResponse(t *store.Turn) TurnResponse {
	added := t.AddedTools
	if added == nil {
		added = []string{}
	}
	return TurnResponse{
		ID:           t.ID,
		Question:     t.Question,
		Answer:       t.Answer,
		Error:        t.Error,
		Currency:     t.Currency,
		Before:       t.BalanceBefore,
		After:        t.BalanceAfter,
		Delta:        t.Delta,
		DisplayDelta: t.DisplayDelta,
		DisplayUnit:  t.DisplayUnit,
		AddedTools:   added,
		DurationMS:   t.Duration.Milliseconds(),
		CreatedAt:    t.CreatedAt.UTC().Format(time.RFC3339),
	}
}

func paramNames(params []loader.Param) []string {
	names := make([]string, 0, len(params))
	for _, p := range params {
		names = append(names, p.Name)
	}
	return names
}
