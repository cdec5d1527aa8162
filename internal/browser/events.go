// File: internal/browser/events.go
package browser

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/crowhurst/pagebridge/api/schemas"
)

const dialogRespondTimeout = 5 * time.Second

// resolveBindings turns the request's event bindings into concrete handlers.
// A binding may carry a handler directly or name one to look up on the crawl
// unit. Bindings that resolve to nothing are skipped with a warning; a typo
// in a handler name should never fail the whole download.
func resolveBindings(bindings map[string]schemas.EventBinding, unit schemas.CrawlUnit, logger *zap.Logger) map[string]schemas.PageEventHandler {
	if len(bindings) == 0 {
		return nil
	}
	out := make(map[string]schemas.PageEventHandler, len(bindings))
	for event, b := range bindings {
		switch {
		case b.Handler != nil:
			out[event] = b.Handler
		case b.HandlerName != "":
			if unit == nil {
				logger.Warn("Event binding names a handler but no crawl unit was provided, ignoring.",
					zap.String("event", event), zap.String("handler", b.HandlerName))
				continue
			}
			h, ok := unit.EventHandler(b.HandlerName)
			if !ok || h == nil {
				logger.Warn("Crawl unit has no handler with this name, ignoring event binding.",
					zap.String("event", event), zap.String("handler", b.HandlerName),
					zap.String("crawl_unit", unit.Name()))
				continue
			}
			out[event] = h
		default:
			logger.Warn("Empty event binding, ignoring.", zap.String("event", event))
		}
	}
	return out
}

// eventDispatcher routes page-level CDP events to the resolved handlers and
// keeps the page healthy when nothing is bound (dialogs are auto-dismissed).
type eventDispatcher struct {
	logger   *zap.Logger
	handlers map[string]schemas.PageEventHandler
}

func newEventDispatcher(handlers map[string]schemas.PageEventHandler, logger *zap.Logger) *eventDispatcher {
	return &eventDispatcher{
		logger:   logger.Named("events"),
		handlers: handlers,
	}
}

// Install registers the listeners and enables the runtime domain so console
// events flow. Dialogs are listened for unconditionally: an unanswered dialog
// freezes the page, bound handler or not.
func (d *eventDispatcher) Install(ctx context.Context) error {
	chromedp.ListenTarget(ctx, func(ev any) {
		switch e := ev.(type) {
		case *page.EventJavascriptDialogOpening:
			go d.onDialog(ctx, e)
		case *runtime.EventConsoleAPICalled:
			d.onConsole(ctx, e)
		}
	})
	if err := chromedp.Run(ctx, runtime.Enable()); err != nil {
		return fmt.Errorf("enabling runtime events: %w", err)
	}
	return nil
}

func (d *eventDispatcher) onDialog(ctx context.Context, ev *page.EventJavascriptDialogOpening) {
	cmdCtx, cancel := context.WithTimeout(ctx, dialogRespondTimeout)
	defer cancel()
	exec := cdp.WithExecutor(cmdCtx, chromedp.FromContext(ctx).Target)

	respond := func(accept bool, promptText string) error {
		p := page.HandleJavaScriptDialog(accept)
		if promptText != "" {
			p = p.WithPromptText(promptText)
		}
		return p.Do(exec)
	}

	handler := d.handlers[schemas.EventDialog]
	if handler == nil {
		if err := respond(false, ""); err != nil {
			d.logger.Warn("Failed to dismiss dialog.",
				zap.String("type", string(ev.Type)), zap.Error(err))
		}
		return
	}

	var responded atomic.Bool
	once := func(accept bool, text string) error {
		if !responded.CompareAndSwap(false, true) {
			return fmt.Errorf("dialog already handled")
		}
		return respond(accept, text)
	}

	event := &schemas.PageEvent{
		Name: schemas.EventDialog,
		Dialog: &schemas.DialogInfo{
			Type:    string(ev.Type),
			Message: ev.Message,
			Accept:  func(text string) error { return once(true, text) },
			Dismiss: func() error { return once(false, "") },
		},
	}
	d.dispatch(ctx, schemas.EventDialog, handler, event)

	// The handler looked but did not answer. Dismiss so the page never
	// wedges on an open dialog.
	if responded.CompareAndSwap(false, true) {
		if err := respond(false, ""); err != nil {
			d.logger.Warn("Failed to dismiss unanswered dialog.",
				zap.String("type", string(ev.Type)), zap.Error(err))
		}
	}
}

func (d *eventDispatcher) onConsole(ctx context.Context, ev *runtime.EventConsoleAPICalled) {
	handler := d.handlers[schemas.EventConsole]
	if handler == nil {
		return
	}
	parts := make([]string, 0, len(ev.Args))
	for _, arg := range ev.Args {
		parts = append(parts, remoteObjectText(arg))
	}
	event := &schemas.PageEvent{
		Name: schemas.EventConsole,
		Console: &schemas.ConsoleMessage{
			Type: string(ev.Type),
			Text: strings.Join(parts, " "),
		},
	}
	d.dispatch(ctx, schemas.EventConsole, handler, event)
}

// dispatch invokes a handler with panic recovery; a broken handler must not
// take the page session down with it.
func (d *eventDispatcher) dispatch(ctx context.Context, name string, handler schemas.PageEventHandler, ev *schemas.PageEvent) {
	defer func() {
		if rec := recover(); rec != nil {
			d.logger.Error("Page event handler panicked.",
				zap.String("event", name), zap.Any("panic", rec))
		}
	}()
	handler(ctx, ev)
}

func remoteObjectText(obj *runtime.RemoteObject) string {
	if obj == nil {
		return ""
	}
	if len(obj.Value) > 0 {
		return strings.Trim(string(obj.Value), `"`)
	}
	if obj.Description != "" {
		return obj.Description
	}
	return string(obj.Type)
}
