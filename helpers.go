package hxdefer

import (
	"bytes"
	"net/http"

	"github.com/a-h/templ"
)

// Render writes a page to the HTTP response as a Server pass.
//
// The component is rendered into a buffer first so that a failing deferred
// component with server rendering enabled produces a clean error instead of
// a half-written page.
//
//	func handler(w http.ResponseWriter, r *http.Request) {
//	    if err := hxdefer.Render(w, r, page()); err != nil {
//	        log.Error().Err(err).Msg("render page")
//	    }
//	}
func Render(w http.ResponseWriter, r *http.Request, component templ.Component) error {
	ctx := WithExecutionContext(r.Context(), Server)

	var buf bytes.Buffer
	if err := component.Render(ctx, &buf); err != nil {
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return err
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, err := w.Write(buf.Bytes())
	return err
}

// IsHTMX returns true if the request originated from HTMX.
func IsHTMX(r *http.Request) bool {
	return r.Header.Get("HX-Request") == "true"
}

// TargetID returns the id of the element HTMX will swap the response into.
func TargetID(r *http.Request) string {
	return r.Header.Get("HX-Target")
}
