// ABOUTME: Capability synthesizer asking a code generator for a Go function per descriptor
// ABOUTME: Extracts the first fenced code block from the reply, falling back to the raw text

package synth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/2389/ant-gateway/internal/descriptor"
)

// ErrSynthesisFailed is returned when the generator fails, times out or replies with nothing.
var ErrSynthesisFailed = errors.New("synthesis failed")

// Generator produces free-form text from an instruction and an input document.
type Generator interface {
	Generate(ctx context.Context, instruction, input string) (string, error)
}

// GeneratorFunc adapts a plain function to Generator.
type GeneratorFunc func(ctx context.Context, instruction, input string) (string, error)

// Generate calls f.
func (f GeneratorFunc) Generate(ctx context.Context, instruction, input string) (string, error) {
	return f(ctx, instruction, input)
}

// Source is the generated text and the code extracted from it.
type Source struct {
	Raw    string
	Code   string
	Fenced bool
}

// Synthesizer turns descriptors into capability source.
type Synthesizer struct {
	gen     Generator
	timeout time.Duration
	logger  *slog.Logger
}

// New creates a Synthesizer. A zero timeout means no deadline beyond ctx.
func New(gen Generator, timeout time.Duration, logger *slog.Logger) *Synthesizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Synthesizer{
		gen:     gen,
		timeout: timeout,
		logger:  logger.With("component", "synth"),
	}
}

// Synthesize asks the generator for a capability implementing d.
// Authentication details are always removed first.
func (s *Synthesizer) Synthesize(ctx context.Context, d descriptor.Descriptor) (Source, error) {
	if d.HasAuth() {
		s.logger.Debug("removing authentication from descriptor before generation", "name", d.Name)
	}
	input, err := json.MarshalIndent(d.StripAuth(), "", "  ")
	if err != nil {
		return Source{}, fmt.Errorf("%w: encoding descriptor: %v", ErrSynthesisFailed, err)
	}

	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	start := time.Now()
	reply, err := s.gen.Generate(ctx, Instruction, string(input))
	if err != nil {
		return Source{}, fmt.Errorf("%w: %v", ErrSynthesisFailed, err)
	}
	if strings.TrimSpace(reply) == "" {
		return Source{}, fmt.Errorf("%w: empty reply", ErrSynthesisFailed)
	}

	code, fenced := ExtractCode(reply)
	if !fenced {
		s.logger.Warn("no fenced code block in generator reply, using raw text", "name", d.Name)
	}
	s.logger.Debug("synthesized capability source",
		"name", d.Name,
		"bytes", len(code),
		"duration", time.Since(start),
	)

	return Source{Raw: reply, Code: code, Fenced: fenced}, nil
}

var fencePattern = regexp.MustCompile("(?s)```[A-Za-z0-9_+-]*[ \t]*\r?\n(.*?)```")

// ExtractCode returns the body of the first fenced block in text.
// When there is no fenced block the trimmed text is returned and fenced is false.
func ExtractCode(text string) (code string, fenced bool) {
	m := fencePattern.FindStringSubmatch(text)
	if m == nil {
		return strings.TrimSpace(text), false
	}
	return strings.TrimSpace(m[1]), true
}
