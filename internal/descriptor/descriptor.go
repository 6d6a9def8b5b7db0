// ABOUTME: Resource descriptor types for priced L402 endpoints
// ABOUTME: Preserves unknown fields and strips authentication before code generation

package descriptor

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Errors returned while resolving a descriptor.
var (
	ErrInvalidURIFormat    = errors.New("invalid L402 URI format")
	ErrTransport           = errors.New("descriptor transport error")
	ErrMalformedDescriptor = errors.New("malformed descriptor")
)

// Descriptor is the structured metadata describing a priced network resource.
type Descriptor struct {
	Name        string
	Description string
	Access      Access
	Pricing     []Price
	Version     string

	// Extra holds top-level fields this package does not model (content_type,
	// cover_url, ...). They are forwarded to the code generator untouched.
	Extra map[string]any
}

// Access describes how to reach the resource.
type Access struct {
	Endpoint string
	Method   string

	// Authentication is whatever the provider published under access.authentication.
	// It never reaches generated code.
	Authentication map[string]any
}

// Price is one entry of the pricing list.
type Price struct {
	Amount   float64 `json:"amount"`
	Currency string  `json:"currency"`
}

// StripAuth returns a copy of d without authentication details.
func (d Descriptor) StripAuth() Descriptor {
	out := d
	out.Access.Authentication = nil
	out.Pricing = append([]Price(nil), d.Pricing...)
	if d.Extra != nil {
		out.Extra = make(map[string]any, len(d.Extra))
		for k, v := range d.Extra {
			out.Extra[k] = v
		}
	}
	return out
}

// HasAuth reports whether the descriptor carries authentication details.
func (d Descriptor) HasAuth() bool {
	return len(d.Access.Authentication) > 0
}

// MarshalJSON writes the descriptor in its wire shape, including Extra fields.
func (d Descriptor) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(d.Extra)+5)
	for k, v := range d.Extra {
		out[k] = v
	}

	access := map[string]any{
		"endpoint": d.Access.Endpoint,
		"method":   d.Access.Method,
	}
	if len(d.Access.Authentication) > 0 {
		access["authentication"] = d.Access.Authentication
	}
	out["access"] = access

	if d.Name != "" {
		out["name"] = d.Name
	}
	if d.Description != "" {
		out["description"] = d.Description
	}
	if d.Pricing != nil {
		out["pricing"] = d.Pricing
	}
	if d.Version != "" {
		out["version"] = d.Version
	}
	return json.Marshal(out)
}

// UnmarshalJSON reads a descriptor, keeping unknown fields in Extra.
func (d *Descriptor) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	var wire struct {
		Name        string  `json:"name"`
		Description string  `json:"description"`
		Pricing     []Price `json:"pricing"`
		Version     any     `json:"version"`
		Access      struct {
			Endpoint       string         `json:"endpoint"`
			Method         string         `json:"method"`
			Authentication map[string]any `json:"authentication"`
		} `json:"access"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}

	*d = Descriptor{
		Name:        wire.Name,
		Description: wire.Description,
		Pricing:     wire.Pricing,
		Version:     versionString(wire.Version),
		Access: Access{
			Endpoint:       wire.Access.Endpoint,
			Method:         wire.Access.Method,
			Authentication: wire.Access.Authentication,
		},
	}

	for k, v := range raw {
		switch k {
		case "name", "description", "pricing", "version", "access":
			continue
		}
		var val any
		if err := json.Unmarshal(v, &val); err != nil {
			return err
		}
		if d.Extra == nil {
			d.Extra = make(map[string]any)
		}
		d.Extra[k] = val
	}
	return nil
}

// versionString accepts both "1.0" and 1.0 since providers publish either.
func versionString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return fmt.Sprintf("%g", t)
	default:
		return fmt.Sprint(t)
	}
}
