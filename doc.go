// Package hxdefer defers the loading of server-rendered components until a
// browser actually asks for them, using Templ for output and HTMX for the
// client-side fetch.
//
// A deferred component wraps a Loader, the function that resolves the real
// implementation. Loaders stand in for slow or fallible setup: parsing
// templates, dialing a backend, warming a cache. Each wrapper invokes its
// Loader at most once for the lifetime of the process.
//
// # Execution Context
//
// Every render happens in one of two execution contexts:
//   - Server: producing the initial page. This is the default.
//   - Client: answering the activation request a placeholder sends once the
//     page is live in a browser.
//
// The context is carried explicitly in context.Context; nothing is inferred
// from the environment:
//
//	ctx = hxdefer.WithExecutionContext(ctx, hxdefer.Client)
//
// # Deferring a Component
//
//	table := remotepattern.Default()
//	var Map = hxdefer.Dynamic("map", mapdemo.NewLoader(tiles, "/_img", table),
//	    hxdefer.NoSSR(),
//	    hxdefer.WithPlaceholder(spinner()),
//	)
//
// With NoSSR, a Server render emits only the placeholder wrapped in an
// element that fetches the wrapper's activation URL:
//
//	<div data-hxdefer="map" hx-get="/_d/map-1a2b3c4d/?p=..." hx-trigger="load" hx-swap="outerHTML">
//	    ...placeholder...
//	</div>
//
// The Loader is not touched during that pass. When the request arrives the
// wrapper resolves the Loader, renders the real component in the Client
// context and HTMX swaps it in.
//
// Wrappers that keep the default directive render the resolved component in
// both contexts; the first render waits for the load.
//
// # Load Failures
//
// A Loader error, a panic inside a Loader, or a nil module settles the
// wrapper in the failed state. The failure is final: every later render
// returns the same ErrLoadFailed error and the Loader is not retried. The
// default activation error handler answers with a small fallback fragment.
//
// # Props
//
// Props travel in the activation URL, signed with HMAC by default or
// encrypted with AES-GCM for wrappers marked Sensitive. A token is bound to
// the wrapper that minted it and is rejected by any other:
//
//	var Account = hxdefer.Dynamic("account", loadAccount).Sensitive()
//
// # Registration and Routing
//
// Wrappers are registered explicitly with a Registry:
//
//	reg := hxdefer.NewRegistry(key, hxdefer.WithLogger(log))
//	reg.Add(Map, Account)
//	r.Handle("/_d/*", reg.Handler())
//
// Registry.Preload resolves every registered wrapper ahead of traffic when
// start-up latency matters more than the memory held by unused components.
//
// # Testing
//
// TestRender and TestActivate drive both passes without a browser:
//
//	page, _ := hxdefer.TestRender(hxdefer.Server, Page(props))
//	result, _ := hxdefer.TestActivate(reg.Handler(), page.ActivationURL())
package hxdefer
