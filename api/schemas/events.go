package schemas

import "context"

// Page event names recognized by the browser layer.
const (
	EventDialog  = "dialog"
	EventConsole = "console"
)

// PageEvent is delivered to bound handlers when the page emits an event the
// binding subscribed to. Exactly one of the payload fields is set, matching
// the event name.
type PageEvent struct {
	Name    string
	Dialog  *DialogInfo
	Console *ConsoleMessage
}

// DialogInfo describes a JavaScript dialog (alert, confirm, prompt,
// beforeunload). Handlers respond through Accept/Dismiss; if the handler does
// neither, the dialog is dismissed after it returns so the page never wedges.
type DialogInfo struct {
	Type    string
	Message string

	// Accept closes the dialog affirmatively, with promptText for prompts.
	Accept func(promptText string) error
	// Dismiss cancels the dialog.
	Dismiss func() error
}

// ConsoleMessage describes a console API call made by the page.
type ConsoleMessage struct {
	// Type is the console method, e.g. "log", "warning", "error".
	Type string
	Text string
}

// PageEventHandler reacts to a page event. The context is the one governing
// the page session; handlers must not block it for long.
type PageEventHandler func(ctx context.Context, ev *PageEvent)

// EventBinding attaches a handler to a page event. Either Handler is set
// directly, or HandlerName names a handler to resolve on the crawl unit at
// session start. A binding that resolves to nothing is skipped with a
// warning, never an error.
type EventBinding struct {
	Handler     PageEventHandler
	HandlerName string
}

// CrawlUnit is the browser layer's view of the crawler-side unit (a spider,
// a job, whatever owns the request). It exists so by-name event bindings can
// be resolved without this package knowing the crawler's types.
type CrawlUnit interface {
	// Name identifies the unit in logs.
	Name() string
	// EventHandler resolves a named handler; ok is false when the unit has
	// no handler by that name.
	EventHandler(name string) (PageEventHandler, bool)
}
