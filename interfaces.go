package hxdefer

import (
	"context"
	"net/http"
	"time"

	"github.com/a-h/templ"
)

// Renderer is the resolved unit a Loader produces. It turns props into
// templ output and should be free of side effects.
//
//	func (m *Map) Render(ctx context.Context, props MapProps) templ.Component {
//	    return mapTemplate(m.tiles(props))
//	}
type Renderer[P any] interface {
	Render(ctx context.Context, props P) templ.Component
}

// RendererFunc adapts a function to Renderer.
type RendererFunc[P any] func(ctx context.Context, props P) templ.Component

// Render calls f.
func (f RendererFunc[P]) Render(ctx context.Context, props P) templ.Component {
	return f(ctx, props)
}

// Hydrater may be implemented by a resolved unit to enrich props before each
// render, for example fetching records named by IDs in the props.
//
// Hydrate runs once per render, after the unit has been resolved and before
// Render is called. An error aborts the render with ErrHydrationFailed.
type Hydrater[P any] interface {
	Hydrate(ctx context.Context, props *P) error
}

// Loader resolves the real implementation of a deferred component.
//
// A Loader stands in for a module import: it may be slow (reading templates,
// dialing a backend, warming a cache) and it may fail. Each Deferred calls
// its Loader at most once for the lifetime of the process.
type Loader[P any] func(ctx context.Context) (Renderer[P], error)

// LoadObserver receives lifecycle events from every Deferred in a Registry.
// Implementations must be safe for concurrent use.
type LoadObserver interface {
	// Activated is called each time a wrapper is rendered or requested.
	Activated(name string, ec ExecutionContext)
	// LoadStarted is called when the loader is invoked.
	LoadStarted(name string)
	// LoadFinished is called when the loader returns; err is nil on success.
	LoadFinished(name string, d time.Duration, err error)
}

// Mountable is implemented by *Deferred[P] and lets a Registry hold
// wrappers of different props types.
type Mountable interface {
	Name() string
	Prefix() string
	State() LoadState
	Activate(ctx context.Context) <-chan struct{}
	Wait(ctx context.Context) error
	ServeHTTP(w http.ResponseWriter, r *http.Request)

	attach(reg *Registry)
}

type nopObserver struct{}

func (nopObserver) Activated(string, ExecutionContext)         {}
func (nopObserver) LoadStarted(string)                         {}
func (nopObserver) LoadFinished(string, time.Duration, error) {}

