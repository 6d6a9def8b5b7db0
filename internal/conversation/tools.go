// ABOUTME: Per-turn toolset: the bootstrap add_l402_tool plus the session's capabilities
// ABOUTME: Dispatches tool calls by name and renders every outcome as tool result text

package conversation

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/2389/ant-gateway/internal/loader"
)

// AddCapabilityToolName is the name the model uses to acquire a capability.
// Generated capabilities never receive it.
const AddCapabilityToolName = loader.BootstrapIdentifier

// ToolSpec describes one tool offered to the model.
type ToolSpec struct {
	Name        string
	Description string
	Parameters  map[string]any // JSON Schema object
}

// Toolset is what a ToolLoop may call during a turn. Specs can grow between
// steps when the model acquires a capability.
type Toolset interface {
	Specs() []ToolSpec
	Call(ctx context.Context, name, arguments string) string
}

// AddCapabilityTool is the bootstrap tool bound to one session. It is present
// in every turn without being stored in the session.
type AddCapabilityTool struct {
	SessionID string
}

// Spec returns the tool definition offered to the model.
func (AddCapabilityTool) Spec() ToolSpec {
	return ToolSpec{
		Name:        AddCapabilityToolName,
		Description: "Add a new tool to the agent's toolset from an L402 URI (l402://host/path).",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"uri": map[string]any{
					"type":        "string",
					"description": "The L402 URI describing the resource, e.g. l402://api.example.com/info",
				},
			},
			"required": []string{"uri"},
		},
	}
}

// turnTools is the Toolset for one turn.
type turnTools struct {
	svc       *Service
	bootstrap AddCapabilityTool

	mu       sync.Mutex
	existing []*loader.Capability // from the session snapshot
	acquired []*loader.Capability // added during this turn, in order
}

func newTurnTools(svc *Service, sessionID string, existing []*loader.Capability) *turnTools {
	return &turnTools{
		svc:       svc,
		bootstrap: AddCapabilityTool{SessionID: sessionID},
		existing:  existing,
	}
}

// Specs implements Toolset.
func (t *turnTools) Specs() []ToolSpec {
	t.mu.Lock()
	defer t.mu.Unlock()

	specs := []ToolSpec{t.bootstrap.Spec()}
	for _, c := range t.all() {
		specs = append(specs, ToolSpec{
			Name:        c.Identifier,
			Description: c.Description,
			Parameters:  c.Schema(),
		})
	}
	return specs
}

// Call implements Toolset. Failures are returned as text for the model.
func (t *turnTools) Call(ctx context.Context, name, arguments string) string {
	if name == AddCapabilityToolName {
		return t.addCapability(ctx, arguments)
	}

	t.mu.Lock()
	var target *loader.Capability
	for _, c := range t.all() {
		if c.Identifier == name {
			target = c
			break
		}
	}
	t.mu.Unlock()

	if target == nil {
		return fmt.Sprintf("error: unknown tool %q", name)
	}

	out, err := target.Invoke(ctx, json.RawMessage(arguments))
	if err != nil {
		t.svc.logger.Warn("capability call failed",
			"session_id", t.bootstrap.SessionID,
			"tool", name,
			"error", err)
		return "error: " + err.Error()
	}
	t.svc.logger.Debug("capability called", "session_id", t.bootstrap.SessionID, "tool", name)
	return out
}

func (t *turnTools) addCapability(ctx context.Context, arguments string) string {
	var args struct {
		URI string `json:"uri"`
	}
	if strings.TrimSpace(arguments) != "" {
		if err := json.Unmarshal([]byte(arguments), &args); err != nil {
			return fmt.Sprintf("failed to add tool: %s: invalid arguments: %v", StageInput, err)
		}
	}

	t.mu.Lock()
	existing := identifiers(t.all())
	t.mu.Unlock()

	c, err := t.svc.Acquire(ctx, t.bootstrap.SessionID, args.URI, existing)
	if err != nil {
		return "failed to add tool: " + err.Error()
	}

	t.mu.Lock()
	t.acquired = append(t.acquired, c)
	t.mu.Unlock()
	return fmt.Sprintf("tool %s added", c.Identifier)
}

// Acquired returns the capabilities added during the turn.
func (t *turnTools) Acquired() []*loader.Capability {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*loader.Capability(nil), t.acquired...)
}

// all must be called with mu held.
func (t *turnTools) all() []*loader.Capability {
	out := make([]*loader.Capability, 0, len(t.existing)+len(t.acquired))
	out = append(out, t.existing...)
	return append(out, t.acquired...)
}

func identifiers(caps []*loader.Capability) []string {
	ids := make([]string, len(caps))
	for i, c := range caps {
		ids[i] = c.Identifier
	}
	return ids
}
