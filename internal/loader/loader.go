// ABOUTME: Capability loader evaluating generated Go source in an embedded interpreter
// ABOUTME: Persists normalized source per session and binds the entry point as a Capability

package loader

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/traefik/yaegi/interp"
)

// Load errors.
var (
	ErrNoEntryPoint        = errors.New("no entry point")
	ErrLoad                = errors.New("load failed")
	ErrDuplicateIdentifier = errors.New("duplicate identifier")
)

const (
	// DefaultCallTimeout bounds a single capability invocation.
	DefaultCallTimeout = 30 * time.Second

	artifactDirMode  = 0o750
	artifactFileMode = 0o640
)

// Options configures an Engine.
type Options struct {
	ArtifactDir    string
	AllowedImports []string
	CallTimeout    time.Duration
}

// Engine loads capabilities. It is safe for concurrent use; every capability
// gets its own interpreter.
type Engine struct {
	transport   Transport
	artifactDir string
	allowed     map[string]bool
	symbols     interp.Exports // stdlib tables for allowed only
	callTimeout time.Duration
	logger      *slog.Logger
}

// NewEngine creates an Engine whose capabilities send requests through transport.
func NewEngine(transport Transport, opts Options, logger *slog.Logger) (*Engine, error) {
	if transport == nil {
		return nil, fmt.Errorf("transport is required")
	}
	if opts.ArtifactDir == "" {
		return nil, fmt.Errorf("artifact directory is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	allowed := make(map[string]bool, len(opts.AllowedImports))
	for _, p := range opts.AllowedImports {
		p = strings.TrimSpace(p)
		if p == "" || p == transportImport {
			continue
		}
		if !stdlibAvailable(p) {
			return nil, fmt.Errorf("allowed import %q is not a standard library package", p)
		}
		allowed[p] = true
	}

	timeout := opts.CallTimeout
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}

	return &Engine{
		transport:   transport,
		artifactDir: opts.ArtifactDir,
		allowed:     allowed,
		symbols:     stdlibExports(allowed),
		callTimeout: timeout,
		logger:      logger.With("component", "loader"),
	}, nil
}

// Request is one load.
type Request struct {
	SessionID   string
	URI         string
	Source      string
	Description string   // used when the entry point has no doc comment
	Existing    []string // identifiers already in the session
}

// Load normalizes, persists and evaluates req.Source and returns the bound capability.
func (e *Engine) Load(ctx context.Context, req Request) (*Capability, error) {
	if req.SessionID == "" {
		return nil, fmt.Errorf("%w: session id is required", ErrLoad)
	}
	if strings.TrimSpace(req.Source) == "" {
		return nil, fmt.Errorf("%w: empty source", ErrLoad)
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLoad, err)
	}

	norm, err := normalize(req.Source, e.allowed)
	if err != nil {
		return nil, err
	}
	entry := norm.entry

	id := Identifier(entry.name)
	if id == "" {
		return nil, fmt.Errorf("%w: %q normalizes to an empty identifier", ErrNoEntryPoint, entry.name)
	}
	id, err = UniqueIdentifier(id, req.Existing)
	if err != nil {
		return nil, err
	}

	sourcePath, err := e.writeArtifact(req.SessionID, id, norm.code)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLoad, err)
	}

	c, err := e.bind(norm, id)
	if err != nil {
		_ = os.Remove(sourcePath)
		return nil, err
	}

	c.SessionID = req.SessionID
	c.URI = req.URI
	c.SourcePath = sourcePath
	c.Description = entry.doc
	if c.Description == "" {
		c.Description = req.Description
	}
	if c.Description == "" {
		c.Description = "Calls " + req.URI
	}

	e.logger.Debug("capability loaded",
		"session_id", req.SessionID,
		"identifier", id,
		"entry_point", entry.name,
		"params", len(entry.params),
		"path", sourcePath)
	return c, nil
}

// bind evaluates the normalized source in a fresh interpreter.
func (e *Engine) bind(norm *normalized, id string) (c *Capability, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: interpreter panic: %v", ErrLoad, r)
		}
	}()

	i := interp.New(interp.Options{})
	if err := i.Use(e.symbols); err != nil {
		return nil, fmt.Errorf("%w: loading stdlib symbols: %v", ErrLoad, err)
	}
	if err := i.Use(transportExports(e.transport)); err != nil {
		return nil, fmt.Errorf("%w: loading transport symbols: %v", ErrLoad, err)
	}

	if _, err := i.Eval(norm.code); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLoad, err)
	}
	fn, err := i.Eval(packageName + "." + norm.entry.exported)
	if err != nil {
		return nil, fmt.Errorf("%w: binding %s: %v", ErrLoad, norm.entry.name, err)
	}
	if err := checkSignature(fn); err != nil {
		return nil, err
	}
	if fn.Type().NumIn() != len(norm.entry.argNames) {
		return nil, fmt.Errorf("%w: %s has %d parameters, source declares %d",
			ErrLoad, norm.entry.name, fn.Type().NumIn(), len(norm.entry.argNames))
	}

	return &Capability{
		Identifier:  id,
		EntryPoint:  norm.entry.name,
		Params:      norm.entry.params,
		LoadedAt:    time.Now(),
		fn:          fn,
		argNames:    norm.entry.argNames,
		callTimeout: e.callTimeout,
	}, nil
}

// Release removes every artifact written for sessionID.
func (e *Engine) Release(sessionID string) {
	dir := e.sessionDir(sessionID)
	if err := os.RemoveAll(dir); err != nil {
		e.logger.Warn("removing capability artifacts failed", "session_id", sessionID, "error", err)
		return
	}
	e.logger.Debug("capability artifacts released", "session_id", sessionID)
}

// AllowedImports returns the sorted import allowlist.
func (e *Engine) AllowedImports() []string {
	out := make([]string, 0, len(e.allowed))
	for p := range e.allowed {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

func (e *Engine) sessionDir(sessionID string) string {
	sum := sha256.Sum256([]byte(sessionID))
	return filepath.Join(e.artifactDir, hex.EncodeToString(sum[:8]))
}

// writeArtifact stores code under <artifact_dir>/<session hash>/<id>-<8 hex>.go
// by writing a temp file and renaming it into place.
func (e *Engine) writeArtifact(sessionID, id, code string) (string, error) {
	dir := e.sessionDir(sessionID)
	if err := os.MkdirAll(dir, artifactDirMode); err != nil {
		return "", fmt.Errorf("create artifact directory: %w", err)
	}

	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	target := filepath.Join(dir, id+"-"+suffix+".go")

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := true
	defer func() {
		if cleanup {
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := tmp.WriteString(code); err != nil {
		_ = tmp.Close()
		return "", fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Chmod(artifactFileMode); err != nil {
		_ = tmp.Close()
		return "", fmt.Errorf("chmod temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		return "", fmt.Errorf("rename artifact: %w", err)
	}
	cleanup = false
	return target, nil
}
