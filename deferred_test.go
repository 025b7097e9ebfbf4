package hxdefer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/a-h/templ"
)

// mapProps is a simple props type for testing
type mapProps struct {
	Lat  float64
	Lng  float64
	Zoom int
}

// fakeMap is the resolved unit handed out by test loaders
type fakeMap struct{}

func (m *fakeMap) Render(ctx context.Context, props mapProps) templ.Component {
	return templ.ComponentFunc(func(ctx context.Context, w io.Writer) error {
		_, err := fmt.Fprintf(w, `<div class="map" data-zoom="%d">%.2f,%.2f</div>`, props.Zoom, props.Lat, props.Lng)
		return err
	})
}

// hydratingMap bumps the zoom during hydration
type hydratingMap struct {
	fakeMap
	err error
}

func (m *hydratingMap) Hydrate(ctx context.Context, props *mapProps) error {
	if m.err != nil {
		return m.err
	}
	props.Zoom += 10
	return nil
}

// testLoader counts invocations and optionally blocks on a gate.
type testLoader struct {
	calls  atomic.Int64
	gate   chan struct{}
	module Renderer[mapProps]
	err    error
	ctxErr error
}

func newTestLoader() *testLoader {
	return &testLoader{module: &fakeMap{}}
}

func (l *testLoader) load(ctx context.Context) (Renderer[mapProps], error) {
	l.calls.Add(1)
	if l.gate != nil {
		<-l.gate
	}
	l.ctxErr = ctx.Err()
	if l.err != nil {
		return nil, l.err
	}
	return l.module, nil
}

func spinner() templ.Component {
	return templ.ComponentFunc(func(ctx context.Context, w io.Writer) error {
		_, err := io.WriteString(w, `<span class="spinner">Loading map…</span>`)
		return err
	})
}

func renderString(ctx context.Context, c templ.Component) (string, error) {
	var sb strings.Builder
	err := c.Render(ctx, &sb)
	return sb.String(), err
}

func TestServerPassNeverInvokesLoader(t *testing.T) {
	l := newTestLoader()
	d := Dynamic("map", l.load, NoSSR(), WithPlaceholder(spinner()))
	reg := NewRegistry([]byte("test-key"))
	reg.Add(d)

	props := mapProps{Lat: 51.5, Lng: -0.12, Zoom: 12}
	for i := 0; i < 25; i++ {
		result, err := TestRender(Server, d.Component(props))
		if err != nil {
			t.Fatalf("TestRender() error = %v", err)
		}
		if !result.IsPlaceholder() {
			t.Fatalf("server pass should emit a placeholder, got %s", result.HTML)
		}
		if !result.HTMLContains(`class="spinner"`) {
			t.Errorf("placeholder content missing: %s", result.HTML)
		}
		if result.HTMLContains(`class="map"`) {
			t.Errorf("server pass rendered the deferred component: %s", result.HTML)
		}
	}

	if got := l.calls.Load(); got != 0 {
		t.Errorf("loader invoked %d times during server passes, want 0", got)
	}
	if d.State() != LoadUnloaded {
		t.Errorf("State() = %v, want unloaded", d.State())
	}
}

func TestPlaceholderAttributes(t *testing.T) {
	l := newTestLoader()
	d := Dynamic("map", l.load, NoSSR(), WithTrigger(TriggerIntersect), WithSwap(SwapInner))
	reg := NewRegistry([]byte("test-key"))
	reg.Add(d)

	result, err := TestRender(Server, d.Component(mapProps{Zoom: 3}))
	if err != nil {
		t.Fatalf("TestRender() error = %v", err)
	}

	if !result.HTMLContainsAll(`data-hxdefer="map"`, `hx-trigger="intersect once"`, `hx-swap="innerHTML"`) {
		t.Errorf("placeholder attributes missing: %s", result.HTML)
	}
	url := result.ActivationURL()
	if !strings.HasPrefix(url, d.Prefix()+"/?p=") {
		t.Errorf("ActivationURL() = %q, want prefix %q", url, d.Prefix()+"/?p=")
	}
}

func TestPlaceholderRequiresRegistration(t *testing.T) {
	l := newTestLoader()
	d := Dynamic("map", l.load, NoSSR())

	_, err := TestRender(Server, d.Component(mapProps{}))
	if !errors.Is(err, ErrNotRegistered) {
		t.Errorf("error = %v, want ErrNotRegistered", err)
	}
	if l.calls.Load() != 0 {
		t.Error("loader must not run for an unregistered placeholder")
	}
}

func TestNoPropsPlaceholderHasNoPayload(t *testing.T) {
	d := Dynamic("clock", func(ctx context.Context) (Renderer[NoProps], error) {
		return RendererFunc[NoProps](func(ctx context.Context, _ NoProps) templ.Component {
			return templ.Raw("<time>now</time>")
		}), nil
	}, NoSSR())
	reg := NewRegistry([]byte("test-key"))
	reg.Add(d)

	url, err := d.ActivationURL(NoProps{})
	if err != nil {
		t.Fatalf("ActivationURL() error = %v", err)
	}
	if url != d.Prefix()+"/" {
		t.Errorf("ActivationURL() = %q, want %q", url, d.Prefix()+"/")
	}
}

func TestClientLoadsExactlyOnce(t *testing.T) {
	l := newTestLoader()
	l.gate = make(chan struct{})
	d := Dynamic("map", l.load, NoSSR())

	ctx := WithExecutionContext(context.Background(), Client)

	const renders = 32
	var wg sync.WaitGroup
	outputs := make([]string, renders)
	errs := make([]error, renders)
	for i := 0; i < renders; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outputs[i], errs[i] = renderString(ctx, d.Component(mapProps{Zoom: i}))
		}(i)
	}

	// Give the renders time to pile up on the in-flight load.
	deadline := time.Now().Add(2 * time.Second)
	for d.State() != LoadLoading && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)
	if d.State() != LoadLoading {
		t.Fatalf("State() = %v, want loading while the gate is closed", d.State())
	}

	close(l.gate)
	wg.Wait()

	if got := l.calls.Load(); got != 1 {
		t.Errorf("loader invoked %d times, want 1", got)
	}
	if d.Loads() != 1 {
		t.Errorf("Loads() = %d, want 1", d.Loads())
	}
	for i := 0; i < renders; i++ {
		if errs[i] != nil {
			t.Fatalf("render %d error = %v", i, errs[i])
		}
		if !strings.Contains(outputs[i], fmt.Sprintf(`data-zoom="%d"`, i)) {
			t.Errorf("render %d output = %s", i, outputs[i])
		}
	}

	// Later renders reuse the resolved unit.
	if _, err := renderString(ctx, d.Component(mapProps{})); err != nil {
		t.Fatalf("render after load error = %v", err)
	}
	if got := l.calls.Load(); got != 1 {
		t.Errorf("loader invoked %d times after resolution, want 1", got)
	}
	if d.State() != LoadLoaded {
		t.Errorf("State() = %v, want loaded", d.State())
	}
}

func TestServerPassWithSSRRendersInline(t *testing.T) {
	l := newTestLoader()
	d := Dynamic("map", l.load)

	if !d.Directive().RenderOnServer {
		t.Fatal("RenderOnServer should default to true")
	}

	result, err := TestRender(Server, d.Component(mapProps{Zoom: 7}))
	if err != nil {
		t.Fatalf("TestRender() error = %v", err)
	}
	if result.IsPlaceholder() {
		t.Errorf("SSR-enabled wrapper emitted a placeholder: %s", result.HTML)
	}
	if !result.HTMLContains(`data-zoom="7"`) {
		t.Errorf("inline render missing: %s", result.HTML)
	}
	if l.calls.Load() != 1 {
		t.Errorf("loader invoked %d times, want 1", l.calls.Load())
	}
}

func TestLoadFailureIsFinal(t *testing.T) {
	l := newTestLoader()
	l.err = errors.New("chunk fetch failed")
	d := Dynamic("map", l.load, NoSSR())

	for i := 0; i < 3; i++ {
		_, err := TestRender(Client, d.Component(mapProps{}))
		if !IsLoadFailure(err) {
			t.Fatalf("attempt %d: error = %v, want load failure", i, err)
		}
		if !strings.Contains(err.Error(), "chunk fetch failed") {
			t.Errorf("error should carry the cause: %v", err)
		}
	}

	if l.calls.Load() != 1 {
		t.Errorf("failed loader retried: %d calls", l.calls.Load())
	}
	if d.State() != LoadFailed {
		t.Errorf("State() = %v, want failed", d.State())
	}
}

func TestLoaderPanicBecomesLoadFailure(t *testing.T) {
	d := Dynamic("map", func(ctx context.Context) (Renderer[mapProps], error) {
		panic("module evaluation blew up")
	}, NoSSR())

	_, err := TestRender(Client, d.Component(mapProps{}))
	if !IsLoadFailure(err) {
		t.Fatalf("error = %v, want load failure", err)
	}
	if !strings.Contains(err.Error(), "module evaluation blew up") {
		t.Errorf("error should mention the panic: %v", err)
	}
}

func TestLoaderNilModuleBecomesLoadFailure(t *testing.T) {
	d := Dynamic("map", func(ctx context.Context) (Renderer[mapProps], error) {
		return nil, nil
	}, NoSSR())

	if err := d.Wait(context.Background()); !IsLoadFailure(err) {
		t.Fatalf("Wait() error = %v, want load failure", err)
	}
}

func TestHydraterRunsBeforeRender(t *testing.T) {
	l := newTestLoader()
	l.module = &hydratingMap{}
	d := Dynamic("map", l.load, NoSSR())

	result, err := TestRender(Client, d.Component(mapProps{Zoom: 2}))
	if err != nil {
		t.Fatalf("TestRender() error = %v", err)
	}
	if !result.HTMLContains(`data-zoom="12"`) {
		t.Errorf("hydrated props not rendered: %s", result.HTML)
	}
}

func TestHydrationError(t *testing.T) {
	l := newTestLoader()
	l.module = &hydratingMap{err: errors.New("db down")}
	d := Dynamic("map", l.load, NoSSR())

	_, err := TestRender(Client, d.Component(mapProps{}))
	if !errors.Is(err, ErrHydrationFailed) {
		t.Errorf("error = %v, want ErrHydrationFailed", err)
	}
	if IsLoadFailure(err) {
		t.Error("hydration errors are not load failures")
	}
}

func TestResolveCancellationDoesNotCancelLoad(t *testing.T) {
	l := newTestLoader()
	l.gate = make(chan struct{})
	d := Dynamic("map", l.load, NoSSR())

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := d.Resolve(ctx)
		errCh <- err
	}()

	cancel()
	if err := <-errCh; !errors.Is(err, context.Canceled) {
		t.Fatalf("Resolve() error = %v, want context.Canceled", err)
	}

	close(l.gate)
	if err := d.Wait(context.Background()); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if l.ctxErr != nil {
		t.Errorf("loader context was cancelled: %v", l.ctxErr)
	}
	if d.State() != LoadLoaded {
		t.Errorf("State() = %v, want loaded", d.State())
	}
}

func TestActivateDoesNotBlock(t *testing.T) {
	l := newTestLoader()
	l.gate = make(chan struct{})
	d := Dynamic("map", l.load)

	done := d.Activate(context.Background())
	select {
	case <-done:
		t.Fatal("load settled before the gate opened")
	default:
	}

	close(l.gate)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("load never settled")
	}
}

func TestPrefixIncludesCallSite(t *testing.T) {
	l := newTestLoader()
	a := Dynamic("map", l.load)
	b := Dynamic("map", l.load)

	if a.Prefix() == b.Prefix() {
		t.Errorf("wrappers created on different lines share prefix %q", a.Prefix())
	}
	if !strings.HasPrefix(a.Prefix(), "/_d/map-") {
		t.Errorf("Prefix() = %q", a.Prefix())
	}
}

func TestDynamicNilLoaderPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected panic for nil loader")
		}
	}()
	Dynamic[mapProps]("map", nil)
}

func TestDynamicRejectsUnroutableNames(t *testing.T) {
	var load Loader[mapProps] = func(context.Context) (Renderer[mapProps], error) { return nil, nil }

	for _, name := range []string{"", "world map", "map{id}", "tiles/z", "..", "karte-ü"} {
		t.Run(name, func(t *testing.T) {
			defer func() {
				r := recover()
				if r == nil {
					t.Fatalf("Dynamic(%q) did not panic", name)
				}
				if msg, _ := r.(string); !strings.Contains(msg, "invalid component name") {
					t.Errorf("panic = %v", r)
				}
			}()
			Dynamic(name, load)
		})
	}

	d := Dynamic("world_map-2", load)
	reg := NewRegistry([]byte("test-key"))
	reg.Add(d)
	if !strings.HasPrefix(d.Prefix(), "/_d/world_map-2-") {
		t.Errorf("Prefix() = %q", d.Prefix())
	}
}

func TestLoadStateString(t *testing.T) {
	states := map[LoadState]string{
		LoadUnloaded: "unloaded",
		LoadLoading:  "loading",
		LoadLoaded:   "loaded",
		LoadFailed:   "failed",
		LoadState(9): "unknown",
	}
	for s, want := range states {
		if s.String() != want {
			t.Errorf("%d.String() = %q, want %q", s, s.String(), want)
		}
	}
}
