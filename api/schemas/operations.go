package schemas

import (
	"fmt"
	"sort"
	"time"
)

// Names of the built-in page operations. The browser layer keeps the registry;
// these constants exist so callers don't scatter string literals.
const (
	OpWaitForSelector = "wait_for_selector"
	OpWaitForTimeout  = "wait_for_timeout"
	OpWaitForLoad     = "wait_for_load"
	OpClick           = "click"
	OpFill            = "fill"
	OpEvaluate        = "evaluate"
	OpScreenshot      = "screenshot"
	OpPDF             = "pdf"
	OpScrollToBottom  = "scroll_to_bottom"
	OpReload          = "reload"
	OpGoBack          = "go_back"
)

// PageOperation describes one step to run against an open page. Operations
// run strictly in the order given; when one fails the rest of the sequence is
// skipped. After execution the outcome is written back onto the descriptor,
// so the caller that built the slice can read results from the same objects.
type PageOperation struct {
	// Name selects the operation from the registry (see the Op* constants).
	Name string
	// Args are positional arguments; meaning depends on the operation.
	Args []any
	// Timeout bounds this single operation. Zero means no per-op bound.
	Timeout time.Duration

	// Result holds the operation's output after it ran (e.g. screenshot
	// bytes, evaluate value). Nil for operations with no output.
	Result any
	// Err holds the failure that stopped the sequence, if this was the
	// operation that failed.
	Err error
}

// Op builds a PageOperation. It reads nicely at call sites:
//
//	schemas.Op(schemas.OpClick, "a.lorem_ipsum")
func Op(name string, args ...any) *PageOperation {
	return &PageOperation{Name: name, Args: args}
}

// WithTimeout sets a per-operation timeout and returns the operation for
// chaining.
func (o *PageOperation) WithTimeout(d time.Duration) *PageOperation {
	o.Timeout = d
	return o
}

// String returns a short description used in errors and logs.
func (o *PageOperation) String() string {
	if len(o.Args) == 0 {
		return o.Name
	}
	return fmt.Sprintf("%s(%v)", o.Name, o.Args)
}

// NormalizeOperations converts a map-shaped operation set into the canonical
// ordered slice. Map iteration order is not deterministic in Go, so the
// entries are sorted by key; callers that care about execution order should
// pass a slice directly. The returned operations are the map's own values,
// which keeps results reachable through the caller's map.
func NormalizeOperations(ops map[string]*PageOperation) []*PageOperation {
	keys := make([]string, 0, len(ops))
	for k := range ops {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]*PageOperation, 0, len(ops))
	for _, k := range keys {
		op := ops[k]
		if op == nil {
			continue
		}
		if op.Name == "" {
			op.Name = k
		}
		out = append(out, op)
	}
	return out
}
