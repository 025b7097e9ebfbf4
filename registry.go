package hxdefer

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/pthm/hxdefer/lib/encoding"
	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/pool"
)

// Registry owns the activation endpoints of a set of Deferred wrappers.
type Registry struct {
	mu         sync.RWMutex
	mux        *http.ServeMux
	encoder    *Encoder
	components map[string]Mountable // map[prefix]component
	order      []Mountable

	logger   zerolog.Logger
	observer LoadObserver

	// OnError is called when an activation fails. The default maps load
	// failures to a 500 fallback fragment, bad props to 400 and unknown
	// routes to 404.
	OnError func(http.ResponseWriter, *http.Request, error)
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithLogger sets the logger used for load events.
func WithLogger(l zerolog.Logger) RegistryOption {
	return func(reg *Registry) {
		reg.logger = l
	}
}

// WithObserver sets the observer notified of activations and loads.
func WithObserver(o LoadObserver) RegistryOption {
	return func(reg *Registry) {
		if o != nil {
			reg.observer = o
		}
	}
}

// Encoder mints and opens the props tokens in activation URLs.
type Encoder = encoding.Encoder

// NewRegistry creates a registry whose props are signed or encrypted with
// key. Panics if the encoder cannot be built.
func NewRegistry(key []byte, opts ...RegistryOption) *Registry {
	enc, err := encoding.NewEncoder(key)
	if err != nil {
		panic(fmt.Sprintf("hxdefer: failed to create encoder: %v", err))
	}

	reg := &Registry{
		mux:        http.NewServeMux(),
		encoder:    enc,
		components: make(map[string]Mountable),
		logger:     zerolog.Nop(),
		observer:   nopObserver{},
		OnError:    defaultOnError,
	}
	for _, opt := range opts {
		opt(reg)
	}
	return reg
}

func defaultOnError(w http.ResponseWriter, r *http.Request, err error) {
	code := StatusCode(err)
	if IsLoadFailure(err) {
		writeFallback(w, code, "This content failed to load.")
		return
	}
	http.Error(w, http.StatusText(code), code)
}

// Encoder returns the registry's props encoder.
func (reg *Registry) Encoder() *Encoder {
	return reg.encoder
}

// Add registers wrappers with the registry.
// Panics on prefix collision or if a wrapper belongs to another registry.
func (reg *Registry) Add(components ...Mountable) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	for _, comp := range components {
		prefix := comp.Prefix()
		if _, exists := reg.components[prefix]; exists {
			panic(fmt.Sprintf("hxdefer: prefix collision for %q", prefix))
		}
		comp.attach(reg)
		reg.components[prefix] = comp
		reg.order = append(reg.order, comp)
		reg.mux.Handle(prefix+"/", comp)

		reg.logger.Debug().Str("component", comp.Name()).Str("prefix", prefix).Msg("deferred component registered")
	}
}

// Components returns the registered wrappers in registration order.
func (reg *Registry) Components() []Mountable {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	out := make([]Mountable, len(reg.order))
	copy(out, reg.order)
	return out
}

// Handler returns the HTTP handler for activation routes.
// Mount it at "/_d/" in your application.
func (reg *Registry) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Activation is read-only.
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			w.Header().Set("Allow", "GET, HEAD")
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		reg.mux.ServeHTTP(w, r)
	})
}

// Preload activates every registered wrapper and waits for all loads to
// settle, running at most concurrency loads at once. It returns the combined
// load errors. Preload never renders anything, so it does not count as a
// server render pass.
func (reg *Registry) Preload(ctx context.Context, concurrency int) error {
	if concurrency < 1 {
		concurrency = 1
	}
	comps := reg.Components()

	p := pool.New().WithMaxGoroutines(concurrency).WithContext(ctx)
	for _, comp := range comps {
		comp := comp
		p.Go(func(ctx context.Context) error {
			return comp.Wait(ctx)
		})
	}

	err := p.Wait()
	if err != nil {
		reg.logger.Warn().Err(err).Int("components", len(comps)).Msg("preload finished with errors")
		return err
	}
	reg.logger.Info().Int("components", len(comps)).Msg("deferred components preloaded")
	return nil
}
