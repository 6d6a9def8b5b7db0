// ABOUTME: Symbol tables handed to each capability interpreter
// ABOUTME: Exposes allowlisted stdlib packages plus the shared transport as the importable l402 package

package loader

import (
	"context"
	"net/http"
	"path"
	"reflect"
	"strings"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"
)

// transportImport is the import path capabilities use for the shared transport.
const transportImport = "l402"

// Transport sends requests on behalf of capabilities. l402.Client satisfies it.
type Transport interface {
	Do(ctx context.Context, method, endpoint string, query map[string]string, body any) (string, error)
}

// transportExports binds Get, Post and Do to t.
func transportExports(t Transport) interp.Exports {
	get := func(ctx context.Context, endpoint string, query map[string]string) (string, error) {
		return t.Do(ctx, http.MethodGet, endpoint, query, nil)
	}
	post := func(ctx context.Context, endpoint string, body any) (string, error) {
		return t.Do(ctx, http.MethodPost, endpoint, nil, body)
	}
	return interp.Exports{
		transportImport + "/" + transportImport: {
			"Do":   reflect.ValueOf(t.Do),
			"Get":  reflect.ValueOf(get),
			"Post": reflect.ValueOf(post),
		},
	}
}

// stdlibAvailable reports whether the interpreter can provide importPath.
func stdlibAvailable(importPath string) bool {
	_, ok := stdlib.Symbols[importPath+"/"+path.Base(importPath)]
	return ok
}

// stdlibExports returns the stdlib symbol tables for the allowed import paths
// only. Keys in stdlib.Symbols are "<import path>/<package name>".
func stdlibExports(allowed map[string]bool) interp.Exports {
	out := make(interp.Exports, len(allowed))
	for key, syms := range stdlib.Symbols {
		i := strings.LastIndex(key, "/")
		if i <= 0 || !allowed[key[:i]] {
			continue
		}
		out[key] = syms
	}
	return out
}
