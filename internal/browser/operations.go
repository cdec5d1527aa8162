// File: internal/browser/operations.go
package browser

import (
	"context"
	"errors"
	"fmt"
	"time"

	cdppage "github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"

	"github.com/crowhurst/pagebridge/api/schemas"
)

// runOperations executes operations strictly in order. The outcome is written
// back onto each descriptor; the first failure stops the sequence and is
// returned as *schemas.OperationError. Operations after the failing one never
// run.
func runOperations(ctx context.Context, ops []*schemas.PageOperation, run func(context.Context, *schemas.PageOperation) (any, error)) error {
	for i, op := range ops {
		if op == nil {
			continue
		}
		opCtx := ctx
		var cancel context.CancelFunc
		if op.Timeout > 0 {
			opCtx, cancel = context.WithTimeout(ctx, op.Timeout)
		}
		result, err := run(opCtx, op)
		if cancel != nil {
			cancel()
		}
		if err != nil {
			op.Err = err
			return &schemas.OperationError{Index: i, Name: op.Name, Err: err}
		}
		op.Result = result
	}
	return nil
}

// executeOperation dispatches one named operation against a page.
func executeOperation(ctx context.Context, pg *Page, op *schemas.PageOperation) (any, error) {
	fn, ok := operationRegistry[op.Name]
	if !ok {
		return nil, fmt.Errorf("unknown page operation %q", op.Name)
	}
	return fn(ctx, pg, op)
}

type operationFunc func(ctx context.Context, pg *Page, op *schemas.PageOperation) (any, error)

var operationRegistry = map[string]operationFunc{
	schemas.OpWaitForSelector: opWaitForSelector,
	schemas.OpWaitForTimeout:  opWaitForTimeout,
	schemas.OpWaitForLoad:     opWaitForLoad,
	schemas.OpClick:           opClick,
	schemas.OpFill:            opFill,
	schemas.OpEvaluate:        opEvaluate,
	schemas.OpScreenshot:      opScreenshot,
	schemas.OpPDF:             opPDF,
	schemas.OpScrollToBottom:  opScrollToBottom,
	schemas.OpReload:          opReload,
	schemas.OpGoBack:          opGoBack,
}

func opWaitForSelector(ctx context.Context, pg *Page, op *schemas.PageOperation) (any, error) {
	sel, err := stringArg(op, 0)
	if err != nil {
		return nil, err
	}
	return nil, pg.run(ctx, chromedp.WaitVisible(sel, chromedp.ByQuery))
}

func opWaitForTimeout(ctx context.Context, pg *Page, op *schemas.PageOperation) (any, error) {
	d, err := durationArg(op, 0)
	if err != nil {
		return nil, err
	}
	select {
	case <-time.After(d):
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func opWaitForLoad(ctx context.Context, pg *Page, _ *schemas.PageOperation) (any, error) {
	return nil, pg.run(ctx, chromedp.WaitReady("body", chromedp.ByQuery))
}

func opClick(ctx context.Context, pg *Page, op *schemas.PageOperation) (any, error) {
	sel, err := stringArg(op, 0)
	if err != nil {
		return nil, err
	}
	return nil, pg.run(ctx, chromedp.Click(sel, chromedp.ByQuery, chromedp.NodeVisible))
}

func opFill(ctx context.Context, pg *Page, op *schemas.PageOperation) (any, error) {
	sel, err := stringArg(op, 0)
	if err != nil {
		return nil, err
	}
	value, err := stringArg(op, 1)
	if err != nil {
		return nil, err
	}
	return nil, pg.run(ctx, chromedp.SetValue(sel, value, chromedp.ByQuery))
}

func opEvaluate(ctx context.Context, pg *Page, op *schemas.PageOperation) (any, error) {
	expr, err := stringArg(op, 0)
	if err != nil {
		return nil, err
	}
	var result any
	err = pg.run(ctx, chromedp.Evaluate(expr, &result))
	// Undefined and null are fine evaluation outcomes, not failures.
	if errors.Is(err, chromedp.ErrJSUndefined) || errors.Is(err, chromedp.ErrJSNull) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return result, nil
}

func opScreenshot(ctx context.Context, pg *Page, op *schemas.PageOperation) (any, error) {
	fullPage := boolArg(op, 0)
	var buf []byte
	var action chromedp.Action
	if fullPage {
		action = chromedp.FullScreenshot(&buf, 90)
	} else {
		action = chromedp.CaptureScreenshot(&buf)
	}
	if err := pg.run(ctx, action); err != nil {
		return nil, err
	}
	return buf, nil
}

func opPDF(ctx context.Context, pg *Page, _ *schemas.PageOperation) (any, error) {
	var buf []byte
	err := pg.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		data, _, err := cdppage.PrintToPDF().Do(ctx)
		if err != nil {
			return err
		}
		buf = data
		return nil
	}))
	if err != nil {
		return nil, err
	}
	return buf, nil
}

func opScrollToBottom(ctx context.Context, pg *Page, _ *schemas.PageOperation) (any, error) {
	return nil, pg.run(ctx, chromedp.Evaluate(`window.scrollTo(0, document.body.scrollHeight)`, nil))
}

func opReload(ctx context.Context, pg *Page, _ *schemas.PageOperation) (any, error) {
	return nil, pg.run(ctx, chromedp.Reload())
}

func opGoBack(ctx context.Context, pg *Page, _ *schemas.PageOperation) (any, error) {
	return nil, pg.run(ctx, chromedp.NavigateBack())
}

// run executes chromedp actions against the page's target, bounded by the
// caller's context. Cancelling the derived context aborts the in-flight CDP
// call without closing the page itself.
func (pg *Page) run(ctx context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithCancel(pg.ctx)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	err := chromedp.Run(runCtx, actions...)
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return err
}

func stringArg(op *schemas.PageOperation, i int) (string, error) {
	if i >= len(op.Args) {
		return "", fmt.Errorf("%s: missing argument %d", op.Name, i)
	}
	s, ok := op.Args[i].(string)
	if !ok {
		return "", fmt.Errorf("%s: argument %d must be a string, got %T", op.Name, i, op.Args[i])
	}
	return s, nil
}

func boolArg(op *schemas.PageOperation, i int) bool {
	if i >= len(op.Args) {
		return false
	}
	b, _ := op.Args[i].(bool)
	return b
}

// durationArg accepts a time.Duration, a duration string, or a bare number of
// milliseconds.
func durationArg(op *schemas.PageOperation, i int) (time.Duration, error) {
	if i >= len(op.Args) {
		return 0, fmt.Errorf("%s: missing argument %d", op.Name, i)
	}
	switch v := op.Args[i].(type) {
	case time.Duration:
		return v, nil
	case string:
		d, err := time.ParseDuration(v)
		if err != nil {
			return 0, fmt.Errorf("%s: bad duration %q: %w", op.Name, v, err)
		}
		return d, nil
	case int:
		return time.Duration(v) * time.Millisecond, nil
	case int64:
		return time.Duration(v) * time.Millisecond, nil
	case float64:
		return time.Duration(v * float64(time.Millisecond)), nil
	default:
		return 0, fmt.Errorf("%s: argument %d must be a duration, got %T", op.Name, i, op.Args[i])
	}
}
