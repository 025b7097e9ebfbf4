package hxdefer

import "github.com/a-h/templ"

// Trigger is the hx-trigger value a placeholder uses to fetch its component.
type Trigger string

const (
	// TriggerLoad fetches as soon as the placeholder is in the DOM.
	TriggerLoad Trigger = "load"
	// TriggerIntersect fetches once, when the placeholder scrolls into view.
	TriggerIntersect Trigger = "intersect once"
	// TriggerRevealed fetches when the placeholder is first revealed.
	TriggerRevealed Trigger = "revealed"
)

// SwapMode is the hx-swap strategy used when the fetched component arrives.
type SwapMode string

const (
	// SwapOuter replaces the placeholder element itself. Default.
	SwapOuter SwapMode = "outerHTML"
	// SwapInner keeps the placeholder element and replaces its children.
	SwapInner SwapMode = "innerHTML"
)

// Directive controls how a Deferred behaves in each execution context.
//
// RenderOnServer defaults to true: the component is resolved and rendered
// inline during the server pass. With RenderOnServer false the server pass
// only ever emits the placeholder and the loader is not touched until a
// client activation.
type Directive struct {
	RenderOnServer bool
	Placeholder    templ.Component
	Trigger        Trigger
	Swap           SwapMode
}

func defaultDirective() Directive {
	return Directive{
		RenderOnServer: true,
		Trigger:        TriggerLoad,
		Swap:           SwapOuter,
	}
}

// Option configures a Directive.
type Option func(*Directive)

// NoSSR keeps the component out of the server render pass.
func NoSSR() Option {
	return WithSSR(false)
}

// WithSSR sets RenderOnServer.
func WithSSR(enabled bool) Option {
	return func(d *Directive) {
		d.RenderOnServer = enabled
	}
}

// WithPlaceholder sets the content shown until the component arrives.
func WithPlaceholder(c templ.Component) Option {
	return func(d *Directive) {
		d.Placeholder = c
	}
}

// WithTrigger overrides the activation trigger.
func WithTrigger(t Trigger) Option {
	return func(d *Directive) {
		if t != "" {
			d.Trigger = t
		}
	}
}

// WithSwap overrides the swap strategy.
func WithSwap(m SwapMode) Option {
	return func(d *Directive) {
		if m != "" {
			d.Swap = m
		}
	}
}
