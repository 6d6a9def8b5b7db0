// ABOUTME: Tests for the turn orchestrator and capability acquisition
// ABOUTME: Runs real synthesis extraction and interpreter loading behind scripted tool loops

package conversation

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/ant-gateway/internal/descriptor"
	"github.com/2389/ant-gateway/internal/loader"
	"github.com/2389/ant-gateway/internal/metering"
	"github.com/2389/ant-gateway/internal/session"
	"github.com/2389/ant-gateway/internal/store"
	"github.com/2389/ant-gateway/internal/synth"
)

const resourceURI = "l402://example/resource"

const fencedCapability = "Here is the function:\n\n```go\n" + `// fetch_resource fetches the example resource.
func fetch_resource(ctx context.Context, id string) (string, error) {
	return l402.Get(ctx, "https://example/resource", map[string]string{"id": id})
}
` + "```\n"

// fakeResolver returns a descriptor for any l402 URI.
type fakeResolver struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (r *fakeResolver) Resolve(ctx context.Context, uri string) (descriptor.Descriptor, error) {
	r.mu.Lock()
	r.calls = append(r.calls, uri)
	r.mu.Unlock()
	if r.err != nil {
		return descriptor.Descriptor{}, r.err
	}
	if !strings.HasPrefix(uri, "l402://") {
		return descriptor.Descriptor{}, fmt.Errorf("%w: %s", descriptor.ErrInvalidURIFormat, uri)
	}
	return descriptor.Descriptor{
		Name:        "Example resource",
		Description: "Returns the example resource",
		Access:      descriptor.Access{Endpoint: "https://example/resource", Method: "GET"},
	}, nil
}

type stubTransport struct {
	mu    sync.Mutex
	calls int
}

func (s *stubTransport) Do(ctx context.Context, method, endpoint string, query map[string]string, body any) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return "resource " + query["id"], nil
}

// loopFunc adapts a function to ToolLoop.
type loopFunc func(ctx context.Context, req Request) (Result, error)

func (f loopFunc) Run(ctx context.Context, req Request) (Result, error) {
	return f(ctx, req)
}

// recordingLoop keeps every request and delegates to script.
type recordingLoop struct {
	mu       sync.Mutex
	requests []Request
	specs    [][]ToolSpec
	script   loopFunc
}

func (l *recordingLoop) Run(ctx context.Context, req Request) (Result, error) {
	l.mu.Lock()
	l.requests = append(l.requests, req)
	l.specs = append(l.specs, req.Tools.Specs())
	l.mu.Unlock()
	return l.script(ctx, req)
}

// answer appends the question and a plain answer to the history.
func answer(text string) loopFunc {
	return func(ctx context.Context, req Request) (Result, error) {
		h := append(req.History,
			session.Message{Role: session.RoleUser, Content: req.Question},
			session.Message{Role: session.RoleAssistant, Content: text})
		return Result{Answer: text, History: h}, nil
	}
}

// addThenUse calls the bootstrap tool with uri and then the tool it reports.
func addThenUse(uri string) loopFunc {
	return func(ctx context.Context, req Request) (Result, error) {
		h := append(req.History, session.Message{Role: session.RoleUser, Content: req.Question})

		args := fmt.Sprintf(`{"uri":%q}`, uri)
		added := req.Tools.Call(ctx, AddCapabilityToolName, args)
		h = append(h,
			session.Message{Role: session.RoleAssistant, ToolCalls: []session.ToolCall{{ID: "c1", Name: AddCapabilityToolName, Arguments: args}}},
			session.Message{Role: session.RoleTool, ToolCallID: "c1", Content: added})

		name, ok := strings.CutSuffix(strings.TrimPrefix(added, "tool "), " added")
		if !ok {
			return Result{Answer: added, History: h}, nil
		}
		out := req.Tools.Call(ctx, name, `{"id":"42"}`)
		h = append(h,
			session.Message{Role: session.RoleAssistant, ToolCalls: []session.ToolCall{{ID: "c2", Name: name, Arguments: `{"id":"42"}`}}},
			session.Message{Role: session.RoleTool, ToolCallID: "c2", Content: out},
			session.Message{Role: session.RoleAssistant, Content: out})
		return Result{Answer: out, History: h}, nil
	}
}

type fakeMeter struct {
	report metering.Report
	err    error // returned without running the turn
}

func (m *fakeMeter) Run(ctx context.Context, sessionID string, turn func(ctx context.Context) error) (metering.Report, error) {
	if m.err != nil {
		return metering.Report{SessionID: sessionID}, m.err
	}
	RecordUsage(ctx, "gpt-4o", 120, 30)
	err := turn(ctx)
	r := m.report
	r.SessionID = sessionID
	return r, err
}

type fixture struct {
	svc       *Service
	sessions  *session.Store
	resolver  *fakeResolver
	transport *stubTransport
	loop      *recordingLoop
	store     *store.SQLiteStore
	events    *EventBroadcaster
	generated int
	source    string // generator reply; fencedCapability when empty
}

func newFixture(t *testing.T, script loopFunc) *fixture {
	t.Helper()
	f := &fixture{
		resolver:  &fakeResolver{},
		transport: &stubTransport{},
		loop:      &recordingLoop{script: script},
		events:    NewEventBroadcaster(nil),
	}
	t.Cleanup(f.events.Close)

	engine, err := loader.NewEngine(f.transport, loader.Options{
		ArtifactDir:    t.TempDir(),
		AllowedImports: []string{"context", "fmt", "strings"},
	}, nil)
	require.NoError(t, err)

	gen := synth.GeneratorFunc(func(ctx context.Context, instruction, input string) (string, error) {
		f.generated++
		if f.source != "" {
			return f.source, nil
		}
		return fencedCapability, nil
	})

	db, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	f.store = db

	f.sessions = session.New(10, engine.Release, nil)
	f.svc, err = New(Deps{
		Sessions:    f.sessions,
		Resolver:    f.resolver,
		Synthesizer: synth.New(gen, 0, nil),
		Loader:      engine,
		ToolLoop:    f.loop,
		Store:       db,
		Events:      f.events,
	}, nil)
	require.NoError(t, err)
	return f
}

func specNames(specs []ToolSpec) []string {
	names := make([]string, len(specs))
	for i, s := range specs {
		names[i] = s.Name
	}
	return names
}

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := New(Deps{}, nil)
	assert.ErrorContains(t, err, "session store is required")

	f := newFixture(t, answer("ok"))
	assert.Equal(t, DefaultInstruction, f.svc.instruction)
}

func TestRunTurn_AcquireThenUseAcrossTurns(t *testing.T) {
	f := newFixture(t, addThenUse(resourceURI))
	ctx := context.Background()

	first, err := f.svc.RunTurn(ctx, "s1", "add "+resourceURI+" then use it")
	require.NoError(t, err)
	assert.Equal(t, "resource 42", first.Text)
	assert.Equal(t, []string{"fetch_resource"}, first.Added)
	assert.Equal(t, 1, f.transport.calls)

	// Within the first turn the new tool was offered right after acquisition.
	require.Len(t, f.loop.requests, 1)
	assert.Equal(t, []string{AddCapabilityToolName}, specNames(f.loop.specs[0]))
	assert.Equal(t, DefaultInstruction, f.loop.requests[0].Instruction)

	snap, ok := f.sessions.Snapshot("s1")
	require.True(t, ok)
	assert.Equal(t, []string{"fetch_resource"}, snap.Identifiers())
	require.Len(t, snap.History, 6)

	f.loop.script = answer("I have one tool")
	second, err := f.svc.RunTurn(ctx, "s1", "what tools do you have?")
	require.NoError(t, err)
	assert.Equal(t, "I have one tool", second.Text)
	assert.Empty(t, second.Added)

	require.Len(t, f.loop.requests, 2)
	assert.Equal(t, []string{AddCapabilityToolName, "fetch_resource"}, specNames(f.loop.specs[1]))
	assert.Equal(t, snap.History, f.loop.requests[1].History)

	snap, _ = f.sessions.Snapshot("s1")
	assert.Len(t, snap.History, 8)
	assert.Equal(t, "what tools do you have?", snap.History[6].Content)
}

func TestRunTurn_DuplicateAcquisitionIsSuffixed(t *testing.T) {
	f := newFixture(t, addThenUse(resourceURI))
	ctx := context.Background()

	_, err := f.svc.RunTurn(ctx, "s1", "add it")
	require.NoError(t, err)
	second, err := f.svc.RunTurn(ctx, "s1", "add it again")
	require.NoError(t, err)
	assert.Equal(t, []string{"fetch_resource_2"}, second.Added)
	assert.Equal(t, "resource 42", second.Text)

	snap, _ := f.sessions.Snapshot("s1")
	assert.Equal(t, []string{"fetch_resource", "fetch_resource_2"}, snap.Identifiers())
	assert.NotEqual(t, snap.Capabilities[0].SourcePath, snap.Capabilities[1].SourcePath)
}

func TestRunTurn_AcquisitionFailureIsToolText(t *testing.T) {
	tests := []struct {
		name  string
		uri   string
		setup func(f *fixture)
		want  string
	}{
		{
			name: "invalid uri",
			uri:  "https://example/resource",
			want: "failed to add tool: input: ",
		},
		{
			name: "empty uri",
			uri:  "",
			want: "failed to add tool: input: invalid input: uri is required",
		},
		{
			name:  "resolver failure",
			uri:   resourceURI,
			setup: func(f *fixture) { f.resolver.err = fmt.Errorf("%w: connection refused", descriptor.ErrTransport) },
			want:  "failed to add tool: resolve: descriptor transport error: connection refused",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, addThenUse(tt.uri))
			if tt.setup != nil {
				tt.setup(f)
			}

			ans, err := f.svc.RunTurn(context.Background(), "s1", "add it")
			require.NoError(t, err, "acquisition failures never abort the turn")
			assert.True(t, strings.HasPrefix(ans.Text, tt.want), "got %q", ans.Text)
			assert.Empty(t, ans.Added)

			snap, ok := f.sessions.Snapshot("s1")
			require.True(t, ok)
			assert.Empty(t, snap.Capabilities)

			audit, err := f.store.ListAcquisitions(context.Background(), "s1")
			require.NoError(t, err)
			require.Len(t, audit, 1)
			assert.NotEqual(t, store.StageDone, audit[0].Stage)
			assert.NotEmpty(t, audit[0].Error)
		})
	}
}

func TestRunTurn_ToolCallErrors(t *testing.T) {
	f := newFixture(t, func(ctx context.Context, req Request) (Result, error) {
		a := req.Tools.Call(ctx, "missing_tool", `{}`)
		b := req.Tools.Call(ctx, AddCapabilityToolName, `not json`)
		return Result{Answer: a + "|" + b}, nil
	})

	ans, err := f.svc.RunTurn(context.Background(), "s1", "go")
	require.NoError(t, err)
	assert.Contains(t, ans.Text, `error: unknown tool "missing_tool"`)
	assert.Contains(t, ans.Text, "failed to add tool: input: invalid arguments")
}

func TestRunTurn_LoopFailureKeepsHistory(t *testing.T) {
	f := newFixture(t, answer("first"))
	ctx := context.Background()

	_, err := f.svc.RunTurn(ctx, "s1", "hello")
	require.NoError(t, err)
	before, _ := f.sessions.Snapshot("s1")

	f.loop.script = func(ctx context.Context, req Request) (Result, error) {
		req.Tools.Call(ctx, AddCapabilityToolName, fmt.Sprintf(`{"uri":%q}`, resourceURI))
		return Result{}, errors.New("model unavailable")
	}
	ans, err := f.svc.RunTurn(ctx, "s1", "add it")
	require.ErrorIs(t, err, ErrCollaborator)
	assert.Equal(t, []string{"fetch_resource"}, ans.Added)

	after, _ := f.sessions.Snapshot("s1")
	assert.Equal(t, before.History, after.History)
	assert.Equal(t, []string{"fetch_resource"}, after.Identifiers())
}

func TestRunTurn_InvalidInput(t *testing.T) {
	f := newFixture(t, answer("unused"))

	_, err := f.svc.RunTurn(context.Background(), "", "question")
	assert.ErrorIs(t, err, ErrInvalidInput)
	_, err = f.svc.RunTurn(context.Background(), "s1", "   ")
	assert.ErrorIs(t, err, ErrInvalidInput)

	assert.Empty(t, f.loop.requests)
	assert.Equal(t, 0, f.sessions.Len())
}

func TestRunTurn_SerializesSameSession(t *testing.T) {
	var mu sync.Mutex
	active, peak := 0, 0
	f := newFixture(t, func(ctx context.Context, req Request) (Result, error) {
		mu.Lock()
		active++
		if active > peak {
			peak = active
		}
		mu.Unlock()

		h := append(req.History, session.Message{Role: session.RoleUser, Content: req.Question})

		mu.Lock()
		active--
		mu.Unlock()
		return Result{Answer: "ok", History: h}, nil
	})

	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.RunTurn(context.Background(), "s1", fmt.Sprintf("q%d", i))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, peak)
	snap, _ := f.sessions.Snapshot("s1")
	assert.Len(t, snap.History, 8, "no turn's history is lost when turns are serialized")
}

func TestAddCapability(t *testing.T) {
	f := newFixture(t, answer("unused"))
	ctx := context.Background()

	events, _ := f.events.Subscribe(t.Context(), "s1")

	c, err := f.svc.AddCapability(ctx, "s1", resourceURI)
	require.NoError(t, err)
	assert.Equal(t, "fetch_resource", c.Identifier)
	assert.Equal(t, "fetch_resource fetches the example resource.", c.Description)

	c2, err := f.svc.AddCapability(ctx, "s1", resourceURI)
	require.NoError(t, err)
	assert.Equal(t, "fetch_resource_2", c2.Identifier)

	ev := receive(t, events)
	assert.Equal(t, EventCapabilityAdded, ev.Type)
	assert.Equal(t, resourceURI, ev.URI)

	audit, err := f.store.ListAcquisitions(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, audit, 2)
	assert.Equal(t, store.StageDone, audit[0].Stage)
	assert.Equal(t, "fetch_resource", audit[0].Identifier)
	assert.NotEmpty(t, audit[0].SourcePath)
}

func TestAddCapability_CannotShadowBootstrapTool(t *testing.T) {
	f := newFixture(t, answer("unused"))
	f.source = "```go\n" + `func addL402Tool(ctx context.Context, id string) (string, error) {
	return l402.Get(ctx, "https://example/resource", map[string]string{"id": id})
}
` + "```\n"
	ctx := context.Background()

	c, err := f.svc.AddCapability(ctx, "s1", resourceURI)
	require.NoError(t, err)
	assert.Equal(t, AddCapabilityToolName+"_2", c.Identifier)

	snap, ok := f.sessions.Snapshot("s1")
	require.True(t, ok)
	tools := newTurnTools(f.svc, "s1", snap.Capabilities)

	counts := map[string]int{}
	for _, name := range specNames(tools.Specs()) {
		counts[name]++
	}
	assert.Equal(t, 1, counts[AddCapabilityToolName])
	assert.Equal(t, 1, counts[AddCapabilityToolName+"_2"])

	assert.Equal(t, "resource 42", tools.Call(ctx, AddCapabilityToolName+"_2", `{"id":"42"}`))
}

func TestAddCapability_WaitsForRunningTurn(t *testing.T) {
	inTurn := make(chan string)
	release := make(chan struct{})
	f := newFixture(t, func(ctx context.Context, req Request) (Result, error) {
		inTurn <- req.Tools.Call(ctx, AddCapabilityToolName, fmt.Sprintf(`{"uri":%q}`, resourceURI))
		<-release
		return answer("done")(ctx, req)
	})
	ctx := context.Background()

	turnDone := make(chan Answer)
	go func() {
		a, err := f.svc.RunTurn(ctx, "s1", "add it")
		assert.NoError(t, err)
		turnDone <- a
	}()
	assert.Equal(t, "tool fetch_resource added", <-inTurn)

	added := make(chan *loader.Capability)
	go func() {
		c, err := f.svc.AddCapability(ctx, "s1", resourceURI)
		assert.NoError(t, err)
		added <- c
	}()

	select {
	case <-added:
		t.Fatal("capability stored while a turn was running")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	turn := <-turnDone
	c := <-added

	assert.Equal(t, []string{"fetch_resource"}, turn.Added, "the turn keeps the name it reported")
	assert.Equal(t, "fetch_resource_2", c.Identifier)
}

func TestAcquire_Stages(t *testing.T) {
	t.Run("synthesize", func(t *testing.T) {
		f := newFixture(t, answer("unused"))
		f.svc.synth = synth.New(synth.GeneratorFunc(func(ctx context.Context, instruction, input string) (string, error) {
			return "", errors.New("rate limited")
		}), 0, nil)

		_, err := f.svc.Acquire(context.Background(), "s1", resourceURI, nil)
		var ae *AcquireError
		require.ErrorAs(t, err, &ae)
		assert.Equal(t, StageSynthesize, ae.Stage)
		assert.ErrorIs(t, err, synth.ErrSynthesisFailed)
	})

	t.Run("load", func(t *testing.T) {
		f := newFixture(t, answer("unused"))
		f.svc.synth = synth.New(synth.GeneratorFunc(func(ctx context.Context, instruction, input string) (string, error) {
			return "```go\nimport \"os\"\n\nfunc Wipe() (string, error) { return \"\", os.RemoveAll(\"/\") }\n```", nil
		}), 0, nil)

		_, err := f.svc.Acquire(context.Background(), "s1", resourceURI, nil)
		var ae *AcquireError
		require.ErrorAs(t, err, &ae)
		assert.Equal(t, StageLoad, ae.Stage)
		assert.ErrorIs(t, err, loader.ErrLoad)
	})

	t.Run("input", func(t *testing.T) {
		f := newFixture(t, answer("unused"))
		_, err := f.svc.Acquire(context.Background(), "s1", "  ", nil)
		var ae *AcquireError
		require.ErrorAs(t, err, &ae)
		assert.Equal(t, StageInput, ae.Stage)
		assert.ErrorIs(t, err, ErrInvalidInput)
		assert.Empty(t, f.resolver.calls)
	})
}

func TestAsk_RecordsTurnAndUsage(t *testing.T) {
	f := newFixture(t, addThenUse(resourceURI))
	f.svc.meter = &fakeMeter{report: metering.Report{
		Before:           metering.Snapshot{Amount: 1000, Currency: "SAT"},
		After:            metering.Snapshot{Amount: 940, Currency: "SAT"},
		AfterAvailable:   true,
		Delta:            60,
		DeltaAvailable:   true,
		Display:          0.036,
		DisplayCurrency:  "USD",
		DisplayAvailable: true,
	}}
	ctx := context.Background()

	res, err := f.svc.Ask(ctx, "s1", "add it and use it")
	require.NoError(t, err)
	assert.Equal(t, int64(60), res.Report.Delta)
	assert.Equal(t, []string{"fetch_resource"}, res.Answer.Added)

	turn, err := f.store.GetTurn(ctx, res.TurnID)
	require.NoError(t, err)
	assert.Equal(t, "s1", turn.SessionID)
	assert.Equal(t, "resource 42", turn.Answer)
	assert.Equal(t, int64(1000), turn.BalanceBefore)
	require.NotNil(t, turn.BalanceAfter)
	assert.Equal(t, int64(940), *turn.BalanceAfter)
	require.NotNil(t, turn.Delta)
	assert.Equal(t, int64(60), *turn.Delta)
	require.NotNil(t, turn.DisplayDelta)
	assert.Equal(t, "USD", turn.DisplayUnit)
	assert.Equal(t, []string{"fetch_resource"}, turn.AddedTools)
	assert.Empty(t, turn.Error)

	usage, err := f.store.GetTurnUsage(ctx, res.TurnID)
	require.NoError(t, err)
	require.Len(t, usage, 1)
	assert.Equal(t, "gpt-4o", usage[0].Model)
	assert.Equal(t, int64(120), usage[0].InputTokens)
}

func TestAsk_BalanceFailureSkipsTurn(t *testing.T) {
	f := newFixture(t, answer("unused"))
	f.svc.meter = &fakeMeter{err: fmt.Errorf("%w: wallet down", metering.ErrBalanceFetchFailed)}

	res, err := f.svc.Ask(context.Background(), "s1", "hello")
	require.ErrorIs(t, err, metering.ErrBalanceFetchFailed)
	assert.Nil(t, res)
	assert.Empty(t, f.loop.requests)

	turns, err := f.store.ListTurns(context.Background(), "s1", 10)
	require.NoError(t, err)
	assert.Empty(t, turns)
}

func TestAsk_TurnFailureIsRecorded(t *testing.T) {
	f := newFixture(t, func(ctx context.Context, req Request) (Result, error) {
		return Result{}, errors.New("model unavailable")
	})
	f.svc.meter = &fakeMeter{report: metering.Report{
		Before: metering.Snapshot{Amount: 500, Currency: "SAT"},
	}}

	res, err := f.svc.Ask(context.Background(), "s1", "hello")
	require.ErrorIs(t, err, ErrCollaborator)
	require.NotNil(t, res)

	turn, err := f.store.GetTurn(context.Background(), res.TurnID)
	require.NoError(t, err)
	assert.Contains(t, turn.Error, "model unavailable")
	assert.Nil(t, turn.BalanceAfter)
	assert.Nil(t, turn.Delta)
}

func TestAsk_WithoutMeter(t *testing.T) {
	f := newFixture(t, answer("plain"))

	res, err := f.svc.Ask(context.Background(), "s1", "hello")
	require.NoError(t, err)
	assert.Equal(t, "plain", res.Answer.Text)
	assert.False(t, res.Report.DeltaAvailable)

	_, err = f.svc.Ask(context.Background(), "", "hello")
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestAcquireError(t *testing.T) {
	err := &AcquireError{Stage: StageResolve, Err: descriptor.ErrTransport}
	assert.Equal(t, "resolve: descriptor transport error", err.Error())
	assert.ErrorIs(t, err, descriptor.ErrTransport)
}
