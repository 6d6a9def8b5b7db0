// ABOUTME: Descriptor resolver turning l402:// URIs into validated descriptors
// ABOUTME: Issues one GET, enforces a body limit, validates against a JSON schema and semver constraint

package descriptor

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/2389/ant-gateway/internal/hostpolicy"
)

// Scheme is the custom URI scheme for priced resources.
const Scheme = "l402"

const schemaURL = "descriptor.schema.json"

//go:embed descriptor.schema.json
var schemaJSON string

// Options configures a Resolver.
type Options struct {
	Timeout           time.Duration
	MaxBodyBytes      int64
	AllowedHosts      *hostpolicy.Policy
	VersionConstraint string
	HTTPClient        *http.Client
}

// Resolver fetches and validates resource descriptors.
type Resolver struct {
	client     *http.Client
	timeout    time.Duration
	maxBody    int64
	hosts      *hostpolicy.Policy
	constraint *semver.Constraints
	schema     *jsonschema.Schema
	logger     *slog.Logger
}

// NewResolver compiles the descriptor schema and version constraint.
func NewResolver(opts Options, logger *slog.Logger) (*Resolver, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(schemaURL, strings.NewReader(schemaJSON)); err != nil {
		return nil, fmt.Errorf("adding descriptor schema: %w", err)
	}
	schema, err := compiler.Compile(schemaURL)
	if err != nil {
		return nil, fmt.Errorf("compiling descriptor schema: %w", err)
	}

	var constraint *semver.Constraints
	if opts.VersionConstraint != "" {
		constraint, err = semver.NewConstraint(opts.VersionConstraint)
		if err != nil {
			return nil, fmt.Errorf("parsing version constraint %q: %w", opts.VersionConstraint, err)
		}
	}

	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Resolver{
		client:     client,
		timeout:    opts.Timeout,
		maxBody:    opts.MaxBodyBytes,
		hosts:      opts.AllowedHosts,
		constraint: constraint,
		schema:     schema,
		logger:     logger.With("component", "descriptor"),
	}, nil
}

// HTTPURL rewrites an l402:// URI to the transport URL it is served from.
// Loopback hosts use plain http, everything else https.
func HTTPURL(uri string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(uri))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidURIFormat, err)
	}
	if !strings.EqualFold(u.Scheme, Scheme) {
		return nil, fmt.Errorf("%w: scheme must be %s://, got %q", ErrInvalidURIFormat, Scheme, uri)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("%w: missing host in %q", ErrInvalidURIFormat, uri)
	}

	out := *u
	out.Scheme = "https"
	if hostpolicy.IsLoopback(u.Host) {
		out.Scheme = "http"
	}
	return &out, nil
}

// Resolve fetches the descriptor published at uri.
func (r *Resolver) Resolve(ctx context.Context, uri string) (Descriptor, error) {
	target, err := HTTPURL(uri)
	if err != nil {
		return Descriptor{}, err
	}
	if !r.hosts.Allows(target.Host) {
		return Descriptor{}, fmt.Errorf("%w: host %q is not allowed", ErrInvalidURIFormat, target.Hostname())
	}

	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	body, err := r.fetch(ctx, target.String())
	if err != nil {
		return Descriptor{}, err
	}

	d, err := r.parse(body)
	if err != nil {
		return Descriptor{}, err
	}

	r.logger.Debug("resolved descriptor",
		"uri", uri,
		"name", d.Name,
		"endpoint", d.Access.Endpoint,
		"method", d.Access.Method,
	)
	return d, nil
}

func (r *Resolver) fetch(ctx context.Context, target string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: building request: %v", ErrTransport, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: GET %s returned %s", ErrTransport, target, resp.Status)
	}

	reader := io.Reader(resp.Body)
	if r.maxBody > 0 {
		reader = io.LimitReader(resp.Body, r.maxBody+1)
	}
	body, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("%w: reading body: %v", ErrTransport, err)
	}
	if r.maxBody > 0 && int64(len(body)) > r.maxBody {
		return nil, fmt.Errorf("%w: body exceeds %d bytes", ErrTransport, r.maxBody)
	}
	return body, nil
}

func (r *Resolver) parse(body []byte) (Descriptor, error) {
	var doc any
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return Descriptor{}, fmt.Errorf("%w: %v", ErrMalformedDescriptor, err)
	}
	if err := r.schema.Validate(doc); err != nil {
		return Descriptor{}, fmt.Errorf("%w: %v", ErrMalformedDescriptor, err)
	}

	var d Descriptor
	if err := json.Unmarshal(body, &d); err != nil {
		return Descriptor{}, fmt.Errorf("%w: %v", ErrMalformedDescriptor, err)
	}
	d.Access.Method = strings.ToUpper(d.Access.Method)

	if r.constraint != nil {
		v, err := semver.NewVersion(d.Version)
		if err != nil {
			return Descriptor{}, fmt.Errorf("%w: version %q: %v", ErrMalformedDescriptor, d.Version, err)
		}
		if !r.constraint.Check(v) {
			return Descriptor{}, fmt.Errorf("%w: version %s does not satisfy %s", ErrMalformedDescriptor, v, r.constraint)
		}
	}
	return d, nil
}
