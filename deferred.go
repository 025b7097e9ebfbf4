package hxdefer

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"html"
	"io"
	"net/http"
	"path/filepath"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/a-h/templ"
	"github.com/pthm/hxdefer/lib/encoding"
	"github.com/rs/zerolog"
)

// LoadState is the resolution state of a Deferred.
type LoadState int

const (
	LoadUnloaded LoadState = iota
	LoadLoading
	LoadLoaded
	LoadFailed
)

func (s LoadState) String() string {
	switch s {
	case LoadUnloaded:
		return "unloaded"
	case LoadLoading:
		return "loading"
	case LoadLoaded:
		return "loaded"
	case LoadFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// NoProps is the props type for components that take none. Placeholders for
// NoProps components carry no encoded payload.
type NoProps struct{}

// Deferred wraps a Loader so that resolving the real component waits until
// it is actually needed.
//
//	var Map = hxdefer.Dynamic("map", loadMap,
//	    hxdefer.NoSSR(),
//	    hxdefer.WithPlaceholder(spinner()),
//	)
//
//	// in a page template
//	@Map.Component(MapProps{Lat: 51.5, Lng: -0.12, Zoom: 12})
//
// During a Server pass with RenderOnServer disabled, Component emits a
// placeholder that fetches the wrapper's activation URL; the loader is not
// invoked. During a Client pass (the activation request itself) the loader
// runs exactly once per Deferred and every concurrent or later render shares
// its result. A failed load is final: the error is returned to every render
// and the loader is not retried.
//
// Each Deferred gets a URL prefix derived from its name and the file:line
// where Dynamic was called, so two wrappers with the same name do not clash.
type Deferred[P any] struct {
	name      string
	prefix    string
	directive Directive
	load      Loader[P]
	mode      encoding.Mode

	mu     sync.Mutex
	reg    *Registry
	state  LoadState
	module Renderer[P]
	err    error
	done   chan struct{}

	invocations atomic.Int64
}

// Dynamic creates a Deferred for load. The name becomes part of the
// activation path and may only contain ASCII letters, digits, '-' and '_'.
// Panics if load is nil or name is invalid.
func Dynamic[P any](name string, load Loader[P], opts ...Option) *Deferred[P] {
	if load == nil {
		panic("hxdefer: Dynamic called with nil loader")
	}
	if !validName(name) {
		panic(fmt.Sprintf("hxdefer: invalid component name %q: use letters, digits, '-' or '_'", name))
	}
	dir := defaultDirective()
	for _, opt := range opts {
		opt(&dir)
	}
	return &Deferred[P]{
		name:      name,
		prefix:    "/_d/" + name + "-" + componentHash(name, 1),
		directive: dir,
		load:      load,
		done:      make(chan struct{}),
	}
}

func validName(name string) bool {
	if name == "" {
		return false
	}
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
		default:
			return false
		}
	}
	return true
}

// Sensitive encrypts props in activation URLs instead of only signing them.
func (d *Deferred[P]) Sensitive() *Deferred[P] {
	d.mode = encoding.Sealed
	return d
}

// Name returns the wrapper's name.
func (d *Deferred[P]) Name() string {
	return d.name
}

// Prefix returns the URL prefix the activation endpoint is mounted under.
func (d *Deferred[P]) Prefix() string {
	return d.prefix
}

// Directive returns a copy of the wrapper's directive.
func (d *Deferred[P]) Directive() Directive {
	return d.directive
}

// State returns the current resolution state.
func (d *Deferred[P]) State() LoadState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Loads returns how many times the loader has been invoked (0 or 1).
func (d *Deferred[P]) Loads() int {
	return int(d.invocations.Load())
}

// Activate starts the load if it has not started yet and returns a channel
// closed once it settles. It never blocks.
//
// The load runs on a context detached from ctx's cancellation: once started
// it runs to completion even if the request that triggered it goes away.
func (d *Deferred[P]) Activate(ctx context.Context) <-chan struct{} {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state == LoadUnloaded {
		d.state = LoadLoading
		go d.run(context.WithoutCancel(ctx))
	}
	return d.done
}

// Wait activates the load and blocks until it settles or ctx is done.
// It returns the load error, if any.
func (d *Deferred[P]) Wait(ctx context.Context) error {
	_, err := d.Resolve(ctx)
	return err
}

// Resolve activates the load and returns the resolved unit.
func (d *Deferred[P]) Resolve(ctx context.Context) (Renderer[P], error) {
	done := d.Activate(ctx)
	select {
	case <-done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	return d.module, d.err
}

// Component returns the templ component to place in a page for props.
func (d *Deferred[P]) Component(props P) templ.Component {
	return templ.ComponentFunc(func(ctx context.Context, w io.Writer) error {
		ec := ExecutionContextOf(ctx)
		d.observer().Activated(d.name, ec)

		if ec == Server && !d.directive.RenderOnServer {
			return d.renderPlaceholder(ctx, w, props)
		}
		return d.renderResolved(ctx, w, props)
	})
}

// ActivationURL returns the URL a placeholder fetches for props.
func (d *Deferred[P]) ActivationURL(props P) (string, error) {
	reg := d.registry()
	if reg == nil {
		return "", fmt.Errorf("%w: %s", ErrNotRegistered, d.name)
	}

	path := d.prefix + "/"
	if _, ok := any(props).(NoProps); ok {
		return path, nil
	}

	encoded, err := reg.encoder.Encode(props, d.prefix, d.mode)
	if err != nil {
		return "", fmt.Errorf("hxdefer: encode props for %s: %w", d.name, err)
	}
	return path + "?p=" + encoded, nil
}

// ServeHTTP handles client activation: it decodes props, resolves the
// component and writes its HTML. Failures go to the registry's OnError.
func (d *Deferred[P]) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	props, err := d.decodeProps(r)
	if err != nil {
		d.fail(w, r, err)
		return
	}

	ctx := WithExecutionContext(r.Context(), Client)

	var buf bytes.Buffer
	if err := d.Component(props).Render(ctx, &buf); err != nil {
		d.fail(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodHead {
		return
	}
	_, _ = w.Write(buf.Bytes())
}

func (d *Deferred[P]) decodeProps(r *http.Request) (P, error) {
	var props P
	if _, ok := any(props).(NoProps); ok {
		return props, nil
	}

	reg := d.registry()
	if reg == nil {
		return props, fmt.Errorf("%w: %s", ErrNotRegistered, d.name)
	}

	raw := r.URL.Query().Get("p")
	if raw == "" {
		return props, fmt.Errorf("%w: missing props", ErrInvalidFormat)
	}
	if err := reg.encoder.Decode(raw, d.prefix, d.mode, &props); err != nil {
		return props, wrapEncodingError(err)
	}
	return props, nil
}

func (d *Deferred[P]) fail(w http.ResponseWriter, r *http.Request, err error) {
	reg := d.registry()
	if reg == nil || reg.OnError == nil {
		defaultOnError(w, r, err)
		return
	}
	reg.OnError(w, r, err)
}

func (d *Deferred[P]) renderResolved(ctx context.Context, w io.Writer, props P) error {
	mod, err := d.Resolve(ctx)
	if err != nil {
		return err
	}

	if h, ok := mod.(Hydrater[P]); ok {
		if err := h.Hydrate(ctx, &props); err != nil {
			return fmt.Errorf("%w: %s: %w", ErrHydrationFailed, d.name, err)
		}
	}

	c := mod.Render(ctx, props)
	if c == nil {
		return nil
	}
	return c.Render(ctx, w)
}

// renderPlaceholder writes the element that fetches the component once the
// page is live in a browser.
func (d *Deferred[P]) renderPlaceholder(ctx context.Context, w io.Writer, props P) error {
	url, err := d.ActivationURL(props)
	if err != nil {
		return err
	}

	_, err = fmt.Fprintf(w, `<div data-hxdefer="%s" hx-get="%s" hx-trigger="%s" hx-swap="%s">`,
		html.EscapeString(d.name),
		html.EscapeString(url),
		html.EscapeString(string(d.directive.Trigger)),
		html.EscapeString(string(d.directive.Swap)),
	)
	if err != nil {
		return err
	}
	if d.directive.Placeholder != nil {
		if err := d.directive.Placeholder.Render(ctx, w); err != nil {
			return err
		}
	}
	_, err = io.WriteString(w, `</div>`)
	return err
}

func (d *Deferred[P]) run(ctx context.Context) {
	obs := d.observer()
	log := d.logger()

	d.invocations.Add(1)
	obs.LoadStarted(d.name)
	start := time.Now()

	mod, err := d.invoke(ctx)
	elapsed := time.Since(start)

	d.mu.Lock()
	if err != nil {
		d.state = LoadFailed
		d.err = err
	} else {
		d.state = LoadLoaded
		d.module = mod
	}
	d.mu.Unlock()

	obs.LoadFinished(d.name, elapsed, err)
	if err != nil {
		log.Error().Err(err).Dur("duration", elapsed).Msg("deferred load failed")
	} else {
		log.Debug().Dur("duration", elapsed).Msg("deferred component loaded")
	}

	// Waiters are released only after observers have seen the outcome.
	close(d.done)
}

// invoke calls the loader, turning panics and nil modules into load failures.
func (d *Deferred[P]) invoke(ctx context.Context) (mod Renderer[P], err error) {
	defer func() {
		if r := recover(); r != nil {
			mod = nil
			err = fmt.Errorf("%w: %s: panic: %v", ErrLoadFailed, d.name, r)
		}
	}()

	mod, err = d.load(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrLoadFailed, d.name, err)
	}
	if mod == nil {
		return nil, fmt.Errorf("%w: %s: loader returned no module", ErrLoadFailed, d.name)
	}
	return mod, nil
}

func (d *Deferred[P]) attach(reg *Registry) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.reg != nil && d.reg != reg {
		panic(fmt.Sprintf("hxdefer: %q is already registered with another registry", d.name))
	}
	d.reg = reg
}

func (d *Deferred[P]) registry() *Registry {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.reg
}

func (d *Deferred[P]) observer() LoadObserver {
	if reg := d.registry(); reg != nil && reg.observer != nil {
		return reg.observer
	}
	return nopObserver{}
}

func (d *Deferred[P]) logger() zerolog.Logger {
	if reg := d.registry(); reg != nil {
		return reg.logger.With().Str("component", d.name).Logger()
	}
	return zerolog.Nop()
}

// componentHash generates a deterministic hash from the name and the source
// location skip frames above the caller.
func componentHash(name string, skip int) string {
	_, file, line, ok := runtime.Caller(skip + 1)
	var input string
	if ok {
		input = fmt.Sprintf("%s:%d:%s", filepath.Base(file), line, name)
	} else {
		input = name
	}
	h := sha256.Sum256([]byte(input))
	return hex.EncodeToString(h[:4])
}
