// ABOUTME: Loaded capability: metadata, tool schema and reflective invocation
// ABOUTME: Invoke decodes named JSON arguments, injects ctx, bounds runtime and recovers panics

package loader

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
	"time"
)

var contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
var errorType = reflect.TypeOf((*error)(nil)).Elem()

// Param is one caller-supplied argument of a capability.
type Param struct {
	Name     string `json:"name"`
	Type     string `json:"type"`                // Go type as written
	JSONType string `json:"json_type,omitempty"` // empty means any JSON value
}

// Capability is a loaded, invocable function. It is immutable once Load returns.
type Capability struct {
	Identifier  string
	EntryPoint  string
	Description string
	Params      []Param
	SourcePath  string
	SessionID   string
	URI         string
	LoadedAt    time.Time

	fn          reflect.Value
	argNames    []string
	callTimeout time.Duration
}

// Schema returns the JSON Schema object describing the capability's arguments.
func (c *Capability) Schema() map[string]any {
	props := make(map[string]any, len(c.Params))
	required := make([]string, 0, len(c.Params))
	for _, p := range c.Params {
		prop := map[string]any{"description": p.Type}
		if p.JSONType != "" {
			prop["type"] = p.JSONType
		}
		props[p.Name] = prop
		required = append(required, p.Name)
	}
	return map[string]any{
		"type":       "object",
		"properties": props,
		"required":   required,
	}
}

// Invoke calls the capability with a JSON object of named arguments.
// Missing arguments take their zero value. Non-string results are returned as JSON.
func (c *Capability) Invoke(ctx context.Context, args json.RawMessage) (string, error) {
	named := map[string]json.RawMessage{}
	if trimmed := bytes.TrimSpace(args); len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null")) {
		if err := json.Unmarshal(trimmed, &named); err != nil {
			return "", fmt.Errorf("%s: arguments must be a JSON object: %w", c.Identifier, err)
		}
	}

	if c.callTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.callTimeout)
		defer cancel()
	}

	fnType := c.fn.Type()
	in := make([]reflect.Value, fnType.NumIn())
	for i := range in {
		t := fnType.In(i)
		if t == contextType {
			in[i] = reflect.ValueOf(ctx)
			continue
		}
		v := reflect.New(t)
		if raw, ok := lookupArg(named, c.argNames[i]); ok {
			if err := json.Unmarshal(raw, v.Interface()); err != nil {
				return "", fmt.Errorf("%s: argument %q: %w", c.Identifier, c.argNames[i], err)
			}
		}
		in[i] = v.Elem()
	}

	type result struct {
		out []reflect.Value
		err error
	}
	done := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- result{err: fmt.Errorf("%s panicked: %v", c.Identifier, r)}
			}
		}()
		done <- result{out: c.fn.Call(in)}
	}()

	var r result
	select {
	case <-ctx.Done():
		return "", fmt.Errorf("%s: %w", c.Identifier, ctx.Err())
	case r = <-done:
	}
	if r.err != nil {
		return "", r.err
	}

	if len(r.out) == 2 {
		if errV := r.out[1]; !errV.IsNil() {
			return "", fmt.Errorf("%s: %w", c.Identifier, errV.Interface().(error))
		}
	}
	return render(r.out[0])
}

// lookupArg finds an argument by exact name, then case-insensitively, then by
// its snake_case form.
func lookupArg(named map[string]json.RawMessage, name string) (json.RawMessage, bool) {
	if raw, ok := named[name]; ok {
		return raw, true
	}
	snake := Identifier(name)
	for k, raw := range named {
		if strings.EqualFold(k, name) || k == snake {
			return raw, true
		}
	}
	return nil, false
}

func render(v reflect.Value) (string, error) {
	if !v.IsValid() {
		return "", nil
	}
	if v.Kind() == reflect.String {
		return v.String(), nil
	}
	if (v.Kind() == reflect.Interface || v.Kind() == reflect.Pointer) && v.IsNil() {
		return "null", nil
	}
	x := v.Interface()
	if s, ok := x.(string); ok {
		return s, nil
	}
	data, err := json.Marshal(x)
	if err != nil {
		return fmt.Sprint(x), nil
	}
	return string(data), nil
}

// checkSignature verifies fn returns (T, error) or T.
func checkSignature(fn reflect.Value) error {
	if fn.Kind() != reflect.Func {
		return fmt.Errorf("%w: entry point is not a function", ErrLoad)
	}
	t := fn.Type()
	switch t.NumOut() {
	case 1:
		if t.Out(0) == errorType {
			return fmt.Errorf("%w: entry point returns only an error", ErrLoad)
		}
	case 2:
		if !t.Out(1).Implements(errorType) {
			return fmt.Errorf("%w: entry point's second result must be an error", ErrLoad)
		}
	default:
		return fmt.Errorf("%w: entry point must return (T, error) or T", ErrLoad)
	}
	if t.IsVariadic() {
		return fmt.Errorf("%w: variadic entry points are not supported", ErrLoad)
	}
	return nil
}
