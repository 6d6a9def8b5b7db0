// ABOUTME: OpenAI-compatible chat completions adapter for code generation and the tool loop
// ABOUTME: Converts session history to chat messages and dispatches tool calls until an answer

package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/2389/ant-gateway/internal/conversation"
	"github.com/2389/ant-gateway/internal/session"
)

// ErrMaxSteps is returned when the model keeps calling tools past the step limit.
var ErrMaxSteps = errors.New("tool loop exceeded step limit")

// DefaultMaxSteps bounds model round trips within one turn.
const DefaultMaxSteps = 10

// Options configures a Client.
type Options struct {
	BaseURL    string
	APIKey     string
	Model      string // conversation model
	MaxSteps   int
	Timeout    time.Duration // whole tool loop
	HTTPClient *http.Client
}

// Client talks to a chat completions endpoint. It implements
// synth.Generator and conversation.ToolLoop.
type Client struct {
	api      openai.Client
	model    string
	maxSteps int
	timeout  time.Duration
	logger   *slog.Logger
}

// New creates a Client. Retries are disabled; failures surface to the caller.
func New(opts Options, logger *slog.Logger) (*Client, error) {
	if opts.Model == "" {
		return nil, fmt.Errorf("model is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	reqOpts := []option.RequestOption{option.WithMaxRetries(0)}
	if opts.APIKey != "" {
		reqOpts = append(reqOpts, option.WithAPIKey(opts.APIKey))
	}
	if opts.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(opts.BaseURL))
	}
	if opts.HTTPClient != nil {
		reqOpts = append(reqOpts, option.WithHTTPClient(opts.HTTPClient))
	}

	maxSteps := opts.MaxSteps
	if maxSteps <= 0 {
		maxSteps = DefaultMaxSteps
	}

	return &Client{
		api:      openai.NewClient(reqOpts...),
		model:    opts.Model,
		maxSteps: maxSteps,
		timeout:  opts.Timeout,
		logger:   logger.With("component", "llm"),
	}, nil
}

// Model returns the conversation model name.
func (c *Client) Model() string {
	return c.model
}

// Generator returns a synth.Generator that uses model for code generation.
func (c *Client) Generator(model string) *Generator {
	if model == "" {
		model = c.model
	}
	return &Generator{client: c, model: model}
}

// Generator sends one instruction and input to a model and returns its reply.
type Generator struct {
	client *Client
	model  string
}

// Generate implements synth.Generator.
func (g *Generator) Generate(ctx context.Context, instruction, input string) (string, error) {
	resp, err := g.client.api.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: openai.ChatModel(g.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(instruction),
			openai.UserMessage(input),
		},
	})
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	conversation.RecordUsage(ctx, g.model, resp.Usage.PromptTokens, resp.Usage.CompletionTokens)

	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("chat completion returned no choices")
	}
	return resp.Choices[0].Message.Content, nil
}

// Run implements conversation.ToolLoop. The tool list is re-read before every
// step so capabilities acquired mid-turn are offered immediately.
func (c *Client) Run(ctx context.Context, req conversation.Request) (conversation.Result, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	history := append(copyHistory(req.History), session.Message{Role: session.RoleUser, Content: req.Question})

	for step := 1; step <= c.maxSteps; step++ {
		params := openai.ChatCompletionNewParams{
			Model:    openai.ChatModel(c.model),
			Messages: toParams(req.Instruction, history),
		}
		if req.Tools != nil {
			params.Tools = toTools(req.Tools.Specs())
		}

		resp, err := c.api.Chat.Completions.New(ctx, params)
		if err != nil {
			return conversation.Result{}, fmt.Errorf("chat completion: %w", err)
		}
		conversation.RecordUsage(ctx, c.model, resp.Usage.PromptTokens, resp.Usage.CompletionTokens)

		if len(resp.Choices) == 0 {
			return conversation.Result{}, fmt.Errorf("chat completion returned no choices")
		}
		msg := resp.Choices[0].Message

		reply := session.Message{Role: session.RoleAssistant, Content: msg.Content}
		for _, tc := range msg.ToolCalls {
			reply.ToolCalls = append(reply.ToolCalls, session.ToolCall{
				ID:        tc.ID,
				Name:      tc.Function.Name,
				Arguments: tc.Function.Arguments,
			})
		}
		history = append(history, reply)

		if len(reply.ToolCalls) == 0 {
			c.logger.Debug("tool loop finished",
				"session_id", req.SessionID,
				"steps", step,
				"history", len(history))
			return conversation.Result{Answer: msg.Content, History: history}, nil
		}

		c.logger.Debug("processing tool calls", "session_id", req.SessionID, "count", len(reply.ToolCalls))
		for _, tc := range reply.ToolCalls {
			var out string
			if req.Tools == nil {
				out = fmt.Sprintf("error: unknown tool %q", tc.Name)
			} else {
				out = req.Tools.Call(ctx, tc.Name, tc.Arguments)
			}
			history = append(history, session.Message{
				Role:       session.RoleTool,
				Content:    out,
				ToolCallID: tc.ID,
			})
		}
	}

	return conversation.Result{}, fmt.Errorf("%w (%d)", ErrMaxSteps, c.maxSteps)
}

// toParams converts the system instruction and history into request messages.
func toParams(instruction string, history []session.Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(history)+1)
	if strings.TrimSpace(instruction) != "" {
		out = append(out, openai.SystemMessage(instruction))
	}
	for _, m := range history {
		switch m.Role {
		case session.RoleSystem:
			out = append(out, openai.SystemMessage(m.Content))
		case session.RoleUser:
			out = append(out, openai.UserMessage(m.Content))
		case session.RoleTool:
			out = append(out, openai.ToolMessage(m.Content, m.ToolCallID))
		case session.RoleAssistant:
			out = append(out, assistantParam(m))
		}
	}
	return out
}

func assistantParam(m session.Message) openai.ChatCompletionMessageParamUnion {
	if len(m.ToolCalls) == 0 {
		return openai.AssistantMessage(m.Content)
	}
	p := openai.ChatCompletionAssistantMessageParam{}
	if m.Content != "" {
		p.Content.OfString = openai.String(m.Content)
	}
	for _, tc := range m.ToolCalls {
		p.ToolCalls = append(p.ToolCalls, openai.ChatCompletionMessageToolCallParam{
			ID: tc.ID,
			Function: openai.ChatCompletionMessageToolCallFunctionParam{
				Name:      tc.Name,
				Arguments: tc.Arguments,
			},
		})
	}
	return openai.ChatCompletionMessageParamUnion{OfAssistant: &p}
}

func toTools(specs []conversation.ToolSpec) []openai.ChatCompletionToolParam {
	out := make([]openai.ChatCompletionToolParam, 0, len(specs))
	for _, s := range specs {
		out = append(out, openai.ChatCompletionToolParam{
			Function: openai.FunctionDefinitionParam{
				Name:        s.Name,
				Description: openai.String(s.Description),
				Parameters:  openai.FunctionParameters(s.Parameters),
			},
		})
	}
	return out
}

func copyHistory(h []session.Message) []session.Message {
	return append([]session.Message(nil), h...)
}
