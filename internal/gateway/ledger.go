// ABOUTME: HTTP handlers over the persisted ledger: turn detail, acquisition audit and spend stats
// ABOUTME: Provides GET /turns/{id}, GET /sessions/{id}/acquisitions and GET /stats

package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/2389/ant-gateway/internal/store"
)

// UsageResponse is one model's token usage within a turn.
type UsageResponse struct {
	Model        string `json:"model"`
	InputTokens  int64  `json:"input_tokens"`
	OutputTokens int64  `json:"output_tokens"`
}

// TurnDetailResponse is the JSON response for GET /turns/{id}.
type TurnDetailResponse struct {
	TurnResponse
	SessionID string          `json:"session_id"`
	Usage     []UsageResponse `json:"usage"`
}

// AcquisitionResponse is one audited capability acquisition attempt.
type AcquisitionResponse struct {
	ID         string `json:"id"`
	URI        string `json:"uri"`
	Stage      string `json:"stage"`
	Identifier string `json:"identifier,omitempty"`
	SourcePath string `json:"source_path,omitempty"`
	Error      string `json:"error,omitempty"`
	CreatedAt  string `json:"created_at"`
}

// ListAcquisitionsResponse is the JSON response for GET /sessions/{id}/acquisitions.
type ListAcquisitionsResponse struct {
	SessionID    string                `json:"session_id"`
	Acquisitions []AcquisitionResponse `json:"acquisitions"`
}

// StatsResponse is the JSON response for GET /stats.
type StatsResponse struct {
	SessionID        string `json:"session_id,omitempty"`
	Turns            int64  `json:"turns"`
	MeteredTurns     int64  `json:"metered_turns"`
	FailedTurns      int64  `json:"failed_turns"`
	Sessions         int64  `json:"sessions"`
	TotalSpent       int64  `json:"total_spent"`
	LargestDelta     int64  `json:"largest_delta"`
	InputTokens      int64  `json:"input_tokens"`
	OutputTokens     int64  `json:"output_tokens"`
	TotalTokens      int64  `json:"total_tokens"`
	ModelRequests    int64  `json:"model_requests"`
	LiveSessions     int    `json:"live_sessions"`
	SessionsCapacity int    `json:"sessions_capacity"`
}

// handleTurn returns one recorded turn with its token usage.
func (g *Gateway) handleTurn(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		g.sendJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if g.store == nil {
		g.sendJSONError(w, http.StatusServiceUnavailable, "turn history not available")
		return
	}
	id := r.PathValue("id")

	turn, err := g.store.GetTurn(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		g.sendJSONError(w, http.StatusNotFound, "turn not found")
		return
	}
	if err != nil {
		g.logger.Error("loading turn failed", "turn_id", id, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "failed to load turn")
		return
	}

	usage, err := g.store.GetTurnUsage(r.Context(), id)
	if err != nil {
		g.logger.Error("loading turn usage failed", "turn_id", id, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "failed to load turn usage")
		return
	}

	resp := TurnDetailResponse{
		TurnResponse: turnResponse(turn),
		SessionID:    turn.SessionID,
		Usage:        make([]UsageResponse, 0, len(usage)),
	}
	for _, u := range usage {
		resp.Usage = append(resp.Usage, UsageResponse{
			Model:        u.Model,
			InputTokens:  u.InputTokens,
			OutputTokens: u.OutputTokens,
		})
	}
	g.writeJSON(w, http.StatusOK, resp)
}

// handleAcquisitions lists every audited acquisition attempt for a session,
// including failed ones and those of evicted sessions.
func (g *Gateway) handleAcquisitions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		g.sendJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if g.store == nil {
		g.sendJSONError(w, http.StatusServiceUnavailable, "acquisition audit not available")
		return
	}
	id := r.PathValue("id")

	acqs, err := g.store.ListAcquisitions(r.Context(), id)
	if err != nil {
		g.logger.Error("listing acquisitions failed", "session_id", id, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "failed to list acquisitions")
		return
	}

	resp := ListAcquisitionsResponse{SessionID: id, Acquisitions: make([]AcquisitionResponse, 0, len(acqs))}
	for _, a := range acqs {
		resp.Acquisitions = append(resp.Acquisitions, AcquisitionResponse{
			ID:         a.ID,
			URI:        a.URI,
			Stage:      a.Stage,
			Identifier: a.Identifier,
			SourcePath: a.SourcePath,
			Error:      a.Error,
			CreatedAt:  a.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	g.writeJSON(w, http.StatusOK, resp)
}

// handleStats aggregates spend and token usage.
// Query parameters: session_id, since and until (RFC 3339, or a duration
// such as 24h meaning that long ago).
func (g *Gateway) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		g.sendJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if g.store == nil {
		g.sendJSONError(w, http.StatusServiceUnavailable, "stats not available")
		return
	}

	q := r.URL.Query()
	now := time.Now()
	since, err := parseTimeParam(q.Get("since"), now)
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, fmt.Sprintf("invalid since: %v", err))
		return
	}
	until, err := parseTimeParam(q.Get("until"), now)
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, fmt.Sprintf("invalid until: %v", err))
		return
	}

	var sessionID *string
	if s := q.Get("session_id"); s != "" {
		sessionID = &s
	}

	resp, err := CollectStats(r.Context(), g.store, sessionID, since, until)
	if err != nil {
		g.logger.Error("collecting stats failed", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "failed to collect stats")
		return
	}
	if sessionID != nil {
		resp.SessionID = *sessionID
	}
	resp.LiveSessions = g.service.Sessions().Len()
	resp.SessionsCapacity = g.service.Sessions().Capacity()
	g.writeJSON(w, http.StatusOK, resp)
}

// StatsSource is the slice of the store that stats are computed from.
type StatsSource interface {
	GetSpendStats(ctx context.Context, filter store.SpendFilter) (*store.SpendStats, error)
	GetUsageStats(ctx context.Context, filter store.UsageFilter) (*store.UsageStats, error)
}

// CollectStats aggregates spend and token usage over the optional window.
func CollectStats(ctx context.Context, src StatsSource, sessionID *string, since, until *time.Time) (StatsResponse, error) {
	spend, err := src.GetSpendStats(ctx, store.SpendFilter{SessionID: sessionID, Since: since, Until: until})
	if err != nil {
		return StatsResponse{}, err
	}
	usage, err := src.GetUsageStats(ctx, store.UsageFilter{SessionID: sessionID, Since: since, Until: until})
	if err != nil {
		return StatsResponse{}, err
	}
	return StatsResponse{
		Turns:         spend.TurnCount,
		MeteredTurns:  spend.MeteredTurns,
		FailedTurns:   spend.FailedTurns,
		Sessions:      spend.DistinctSessions,
		TotalSpent:    spend.TotalSpent,
		LargestDelta:  spend.LargestDelta,
		InputTokens:   usage.TotalInput,
		OutputTokens:  usage.TotalOutput,
		TotalTokens:   usage.TotalTokens,
		ModelRequests: usage.RequestCount,
	}, nil
}

// parseTimeParam accepts an RFC 3339 timestamp or a duration relative to now.
// An empty value means no bound.
func parseTimeParam(v string, now time.Time) (*time.Time, error) {
	if v == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return &t, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return nil, fmt.Errorf("want RFC 3339 time or duration, got %q", v)
	}
	t := now.Add(-d)
	return &t, nil
}
