// ABOUTME: Store interfaces and data types for ant-gateway persistence
// ABOUTME: Defines turn ledger, capability acquisition, L402 credential and token usage records

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// Turn is one metered conversational turn, persisted after it completes.
// Balance fields are in the ledger's smallest unit (satoshis).
type Turn struct {
	ID            string
	SessionID     string
	Question      string
	Answer        string
	Error         string // non-empty when the turn failed after the initial balance was read
	Currency      string
	BalanceBefore int64
	BalanceAfter  *int64 // nil when the final balance could not be read
	Delta         *int64 // nil when the delta is unavailable
	DisplayDelta  *float64
	DisplayUnit   string
	AddedTools    []string
	Duration      time.Duration
	CreatedAt     time.Time
}

// SpendFilter narrows spend aggregation
type SpendFilter struct {
	SessionID *string
	Since     *time.Time
	Until     *time.Time
}

// SpendStats aggregates metered turns
type SpendStats struct {
	TurnCount        int64
	MeteredTurns     int64 // turns with an available delta
	TotalSpent       int64 // sum of available deltas
	LargestDelta     int64
	FailedTurns      int64
	DistinctSessions int64
}

// Acquisition stages. StageDone marks a capability that was loaded successfully.
const (
	StageDone       = "done"
	StageInput      = "input"
	StageResolve    = "resolve"
	StageSynthesize = "synthesize"
	StageLoad       = "load"
)

// Acquisition audits one attempt to add a capability from a URI
type Acquisition struct {
	ID         string
	SessionID  string
	URI        string
	Identifier string // empty unless Stage is StageDone
	SourcePath string
	Stage      string
	Error      string
	CreatedAt  time.Time
}

// L402Credential is a paid token for one endpoint: the macaroon issued in the
// challenge and the preimage returned when its invoice was paid.
type L402Credential struct {
	Key       string // scheme://host/path of the endpoint
	Macaroon  string
	Preimage  string
	Invoice   string
	CreatedAt time.Time
}

// TokenUsage records language model consumption for one turn
type TokenUsage struct {
	ID           string
	TurnID       string
	SessionID    string
	Model        string
	InputTokens  int64
	OutputTokens int64
	CreatedAt    time.Time
}

// UsageFilter narrows token usage aggregation
type UsageFilter struct {
	SessionID *string
	Since     *time.Time
	Until     *time.Time
}

// UsageStats aggregates token usage
type UsageStats struct {
	TotalInput   int64
	TotalOutput  int64
	TotalTokens  int64
	RequestCount int64
}

// TurnStore persists the per-turn spend ledger
type TurnStore interface {
	SaveTurn(ctx context.Context, turn *Turn) error
	GetTurn(ctx context.Context, id string) (*Turn, error)
	ListTurns(ctx context.Context, sessionID string, limit int) ([]*Turn, error)
	GetSpendStats(ctx context.Context, filter SpendFilter) (*SpendStats, error)
}

// AcquisitionStore persists capability acquisition attempts
type AcquisitionStore interface {
	SaveAcquisition(ctx context.Context, a *Acquisition) error
	ListAcquisitions(ctx context.Context, sessionID string) ([]*Acquisition, error)
}

// CredentialStore caches L402 credentials across restarts
type CredentialStore interface {
	GetL402Credential(ctx context.Context, key string) (*L402Credential, error)
	SaveL402Credential(ctx context.Context, cred *L402Credential) error
	DeleteL402Credential(ctx context.Context, key string) error
}

// UsageStore persists language model token usage
type UsageStore interface {
	SaveUsage(ctx context.Context, usage *TokenUsage) error
	GetTurnUsage(ctx context.Context, turnID string) ([]*TokenUsage, error)
	GetUsageStats(ctx context.Context, filter UsageFilter) (*UsageStats, error)
}

// Store combines every persistence concern
type Store interface {
	TurnStore
	AcquisitionStore
	CredentialStore
	UsageStore
	Close() error
}
