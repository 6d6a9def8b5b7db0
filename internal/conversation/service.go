// ABOUTME: Turn orchestrator: runs one conversational turn over a session's history and tools
// ABOUTME: Owns capability acquisition (resolve, synthesize, load) and the metered Ask entry point

package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/2389/ant-gateway/internal/descriptor"
	"github.com/2389/ant-gateway/internal/loader"
	"github.com/2389/ant-gateway/internal/metering"
	"github.com/2389/ant-gateway/internal/session"
	"github.com/2389/ant-gateway/internal/store"
	"github.com/2389/ant-gateway/internal/synth"
)

// Turn errors.
var (
	ErrInvalidInput = errors.New("invalid input")
	ErrCollaborator = errors.New("collaborator failure")
)

// Acquisition stages, shared with the audit table.
const (
	StageInput      = store.StageInput
	StageResolve    = store.StageResolve
	StageSynthesize = store.StageSynthesize
	StageLoad       = store.StageLoad
)

// DefaultInstruction is the system instruction for the conversation model.
const DefaultInstruction = "You are a helpful assistant that can add new tools to help users " +
	"accomplish actions and get information. When a user provides an L402 URI, you should " +
	"add it as a tool right away. If you do not have any tools, say so if the user asks."

// AcquireError reports which acquisition stage failed.
type AcquireError struct {
	Stage string
	Err   error
}

func (e *AcquireError) Error() string {
	return e.Stage + ": " + e.Err.Error()
}

func (e *AcquireError) Unwrap() error {
	return e.Err
}

// Resolver turns an l402:// URI into a descriptor.
type Resolver interface {
	Resolve(ctx context.Context, uri string) (descriptor.Descriptor, error)
}

// Synthesizer turns a descriptor into source code.
type Synthesizer interface {
	Synthesize(ctx context.Context, d descriptor.Descriptor) (synth.Source, error)
}

// Loader evaluates source into a capability.
type Loader interface {
	Load(ctx context.Context, req loader.Request) (*loader.Capability, error)
}

// Meter brackets a turn with balance reads.
type Meter interface {
	Run(ctx context.Context, sessionID string, turn func(ctx context.Context) error) (metering.Report, error)
}

// ConversationStore defines what the service persists. It is optional.
type ConversationStore interface {
	store.TurnStore
	store.AcquisitionStore
	store.UsageStore
}

// Request is one tool-loop invocation.
type Request struct {
	SessionID   string
	Instruction string
	Question    string
	History     []session.Message
	Tools       Toolset
}

// Result is the outcome of a tool loop. History is the complete conversation
// including the new question, tool traffic and the final answer.
type Result struct {
	Answer  string
	History []session.Message
}

// ToolLoop runs the model against the tools until it produces an answer.
type ToolLoop interface {
	Run(ctx context.Context, req Request) (Result, error)
}

// Deps are the collaborators of a Service. Meter, Store and Events are optional.
type Deps struct {
	Sessions    *session.Store
	Resolver    Resolver
	Synthesizer Synthesizer
	Loader      Loader
	ToolLoop    ToolLoop
	Meter       Meter
	Store       ConversationStore
	Events      *EventBroadcaster
	Instruction string
}

// Service runs turns and acquires capabilities for sessions.
type Service struct {
	sessions    *session.Store
	resolver    Resolver
	synth       Synthesizer
	loader      Loader
	loop        ToolLoop
	meter       Meter
	store       ConversationStore
	events      *EventBroadcaster
	instruction string
	logger      *slog.Logger
}

// New creates a Service.
func New(deps Deps, logger *slog.Logger) (*Service, error) {
	switch {
	case deps.Sessions == nil:
		return nil, fmt.Errorf("session store is required")
	case deps.Resolver == nil:
		return nil, fmt.Errorf("resolver is required")
	case deps.Synthesizer == nil:
		return nil, fmt.Errorf("synthesizer is required")
	case deps.Loader == nil:
		return nil, fmt.Errorf("loader is required")
	case deps.ToolLoop == nil:
		return nil, fmt.Errorf("tool loop is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	instruction := deps.Instruction
	if strings.TrimSpace(instruction) == "" {
		instruction = DefaultInstruction
	}
	return &Service{
		sessions:    deps.Sessions,
		resolver:    deps.Resolver,
		synth:       deps.Synthesizer,
		loader:      deps.Loader,
		loop:        deps.ToolLoop,
		meter:       deps.Meter,
		store:       deps.Store,
		events:      deps.Events,
		instruction: instruction,
		logger:      logger.With("component", "conversation"),
	}, nil
}

// Sessions returns the session store the service runs against.
func (s *Service) Sessions() *session.Store {
	return s.sessions
}

// Events returns the broadcaster, or nil when events are disabled.
func (s *Service) Events() *EventBroadcaster {
	return s.events
}

// Answer is the outcome of one turn.
type Answer struct {
	Text  string
	Added []string // identifiers stored during the turn, in acquisition order
}

// RunTurn answers question within the session. Turns on the same session are
// serialized. A tool-loop failure leaves the history unchanged; capabilities
// acquired before the failure are kept.
func (s *Service) RunTurn(ctx context.Context, sessionID, question string) (Answer, error) {
	if err := validate(sessionID, question); err != nil {
		return Answer{}, err
	}

	unlock := s.sessions.Lock(sessionID)
	defer unlock()

	snap := s.sessions.GetOrCreate(sessionID)
	tools := newTurnTools(s, sessionID, snap.Capabilities)

	result, loopErr := s.loop.Run(ctx, Request{
		SessionID:   sessionID,
		Instruction: s.instruction,
		Question:    question,
		History:     snap.History,
		Tools:       tools,
	})

	if loopErr == nil {
		s.sessions.ReplaceHistory(sessionID, result.History)
	}

	var added []string
	for _, c := range tools.Acquired() {
		id, err := s.sessions.AppendCapability(sessionID, c)
		if err != nil {
			s.logger.Error("storing capability failed",
				"session_id", sessionID,
				"identifier", c.Identifier,
				"error", err)
			continue
		}
		added = append(added, id)
	}

	if loopErr != nil {
		s.logger.Error("tool loop failed", "session_id", sessionID, "error", loopErr)
		s.publish(&Event{Type: EventTurnFailed, SessionID: sessionID, Error: loopErr.Error(), Added: added})
		return Answer{Added: added}, fmt.Errorf("%w: %v", ErrCollaborator, loopErr)
	}

	s.logger.Debug("turn completed",
		"session_id", sessionID,
		"history", len(result.History),
		"added", len(added))
	s.publish(&Event{Type: EventTurnCompleted, SessionID: sessionID, Answer: result.Answer, Added: added})
	return Answer{Text: result.Answer, Added: added}, nil
}

// AddCapability acquires the capability described by uri and stores it in the
// session. It waits for any running turn on the session, so the identifiers a
// turn reports to the model are the ones it is stored under. The returned
// capability carries the identifier it was stored under.
func (s *Service) AddCapability(ctx context.Context, sessionID, uri string) (*loader.Capability, error) {
	if strings.TrimSpace(sessionID) == "" {
		return nil, &AcquireError{Stage: StageInput, Err: fmt.Errorf("%w: session id is required", ErrInvalidInput)}
	}
	unlock := s.sessions.Lock(sessionID)
	defer unlock()

	snap := s.sessions.GetOrCreate(sessionID)

	c, err := s.Acquire(ctx, sessionID, uri, snap.Identifiers())
	if err != nil {
		return nil, err
	}
	id, err := s.sessions.AppendCapability(sessionID, c)
	if err != nil {
		return nil, &AcquireError{Stage: StageLoad, Err: err}
	}
	if id != c.Identifier {
		renamed := *c
		renamed.Identifier = id
		c = &renamed
	}
	return c, nil
}

// Acquire resolves, synthesizes and loads the capability described by uri
// without storing it. existing lists identifiers the result must not collide
// with. Failures are *AcquireError. Every attempt is audited.
func (s *Service) Acquire(ctx context.Context, sessionID, uri string, existing []string) (*loader.Capability, error) {
	uri = strings.TrimSpace(uri)
	c, err := s.acquire(ctx, sessionID, uri, existing)

	audit := &store.Acquisition{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		URI:       uri,
		Stage:     store.StageDone,
		CreatedAt: time.Now(),
	}
	if err != nil {
		var ae *AcquireError
		if errors.As(err, &ae) {
			audit.Stage = ae.Stage
		}
		audit.Error = err.Error()
		s.logger.Warn("capability acquisition failed",
			"session_id", sessionID,
			"uri", uri,
			"stage", audit.Stage,
			"error", err)
		s.publish(&Event{Type: EventAcquisitionFailed, SessionID: sessionID, URI: uri, Stage: audit.Stage, Error: err.Error()})
	} else {
		audit.Identifier = c.Identifier
		audit.SourcePath = c.SourcePath
		s.logger.Info("=== CAPABILITY ADDED ===",
			"session_id", sessionID,
			"identifier", c.Identifier,
			"uri", uri,
			"params", len(c.Params),
			"path", c.SourcePath)
		s.publish(&Event{Type: EventCapabilityAdded, SessionID: sessionID, Identifier: c.Identifier, URI: uri})
	}

	if s.store != nil {
		if serr := s.store.SaveAcquisition(context.WithoutCancel(ctx), audit); serr != nil {
			s.logger.Error("recording acquisition failed", "session_id", sessionID, "error", serr)
		}
	}
	return c, err
}

func (s *Service) acquire(ctx context.Context, sessionID, uri string, existing []string) (*loader.Capability, error) {
	if uri == "" {
		return nil, &AcquireError{Stage: StageInput, Err: fmt.Errorf("%w: uri is required", ErrInvalidInput)}
	}

	d, err := s.resolver.Resolve(ctx, uri)
	if err != nil {
		if errors.Is(err, descriptor.ErrInvalidURIFormat) {
			return nil, &AcquireError{Stage: StageInput, Err: err}
		}
		return nil, &AcquireError{Stage: StageResolve, Err: err}
	}

	src, err := s.synth.Synthesize(ctx, d)
	if err != nil {
		return nil, &AcquireError{Stage: StageSynthesize, Err: err}
	}

	c, err := s.loader.Load(ctx, loader.Request{
		SessionID:   sessionID,
		URI:         uri,
		Source:      src.Code,
		Description: d.Description,
		Existing:    existing,
	})
	if err != nil {
		return nil, &AcquireError{Stage: StageLoad, Err: err}
	}
	return c, nil
}

// AskResult is a metered turn.
type AskResult struct {
	TurnID string
	Answer Answer
	Report metering.Report
}

// Ask runs a turn bracketed by the meter and records it in the spend ledger.
// When the initial balance cannot be read the turn does not run and nothing
// is recorded. A turn error is returned together with the partial result.
func (s *Service) Ask(ctx context.Context, sessionID, question string) (*AskResult, error) {
	if err := validate(sessionID, question); err != nil {
		return nil, err
	}

	ctx, usage := WithUsageRecorder(ctx)
	result := &AskResult{TurnID: uuid.New().String()}
	started := time.Now()

	ran := false
	turn := func(ctx context.Context) error {
		ran = true
		var err error
		result.Answer, err = s.RunTurn(ctx, sessionID, question)
		return err
	}

	var turnErr error
	if s.meter != nil {
		result.Report, turnErr = s.meter.Run(ctx, sessionID, turn)
		if !ran {
			return nil, turnErr
		}
	} else {
		turnErr = turn(ctx)
		result.Report = metering.Report{SessionID: sessionID, Duration: time.Since(started)}
	}

	s.record(context.WithoutCancel(ctx), result, sessionID, question, turnErr, usage, started)
	return result, turnErr
}

// record persists the turn and its token usage. Failures are logged only.
func (s *Service) record(ctx context.Context, r *AskResult, sessionID, question string, turnErr error, usage *UsageRecorder, started time.Time) {
	if s.store == nil {
		return
	}

	rep := r.Report
	row := &store.Turn{
		ID:            r.TurnID,
		SessionID:     sessionID,
		Question:      question,
		Answer:        r.Answer.Text,
		Currency:      rep.Before.Currency,
		BalanceBefore: rep.Before.Amount,
		AddedTools:    r.Answer.Added,
		Duration:      rep.Duration,
		CreatedAt:     started,
	}
	if turnErr != nil {
		row.Error = turnErr.Error()
	}
	if rep.AfterAvailable {
		after := rep.After.Amount
		row.BalanceAfter = &after
	}
	if rep.DeltaAvailable {
		delta := rep.Delta
		row.Delta = &delta
	}
	if rep.DisplayAvailable {
		display := rep.Display
		row.DisplayDelta = &display
		row.DisplayUnit = rep.DisplayCurrency
	}
	if err := s.store.SaveTurn(ctx, row); err != nil {
		s.logger.Error("recording turn failed", "session_id", sessionID, "turn_id", r.TurnID, "error", err)
		return
	}

	for _, u := range usage.Totals() {
		if err := s.store.SaveUsage(ctx, &store.TokenUsage{
			ID:           uuid.New().String(),
			TurnID:       r.TurnID,
			SessionID:    sessionID,
			Model:        u.Model,
			InputTokens:  u.InputTokens,
			OutputTokens: u.OutputTokens,
			CreatedAt:    time.Now(),
		}); err != nil {
			s.logger.Error("recording token usage failed", "turn_id", r.TurnID, "model", u.Model, "error", err)
		}
	}
}

func (s *Service) publish(ev *Event) {
	if s.events != nil {
		s.events.Publish(ev)
	}
}

func validate(sessionID, question string) error {
	if strings.TrimSpace(sessionID) == "" {
		return fmt.Errorf("%w: session id is required", ErrInvalidInput)
	}
	if strings.TrimSpace(question) == "" {
		return fmt.Errorf("%w: question is required", ErrInvalidInput)
	}
	return nil
}
