// ABOUTME: Context-scoped accumulator for language model token usage within a turn
// ABOUTME: Model adapters report into it so the turn can be persisted with its token cost

package conversation

import (
	"context"
	"sync"
)

// Usage is token consumption for one model.
type Usage struct {
	Model        string
	InputTokens  int64
	OutputTokens int64
}

// UsageRecorder collects usage reported while a turn runs.
type UsageRecorder struct {
	mu      sync.Mutex
	byModel map[string]*Usage
	order   []string
}

type usageKey struct{}

// WithUsageRecorder returns a context that model adapters report usage into.
func WithUsageRecorder(ctx context.Context) (context.Context, *UsageRecorder) {
	r := &UsageRecorder{byModel: make(map[string]*Usage)}
	return context.WithValue(ctx, usageKey{}, r), r
}

// RecordUsage adds token counts to the recorder carried by ctx, if any.
func RecordUsage(ctx context.Context, model string, input, output int64) {
	r, ok := ctx.Value(usageKey{}).(*UsageRecorder)
	if !ok || r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.byModel[model]
	if !ok {
		u = &Usage{Model: model}
		r.byModel[model] = u
		r.order = append(r.order, model)
	}
	u.InputTokens += input
	u.OutputTokens += output
}

// Totals returns usage per model in first-seen order.
func (r *UsageRecorder) Totals() []Usage {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Usage, 0, len(r.order))
	for _, m := range r.order {
		out = append(out, *r.byModel[m])
	}
	return out
}
