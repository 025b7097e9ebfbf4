package hxdefer

import (
	"context"
	"html"
	"io"
	"net/http"

	"github.com/a-h/templ"
)

// Fallback returns the error fragment an activation responds with when its
// component cannot be loaded.
//
// HTMX does not swap 4xx/5xx responses by default; the placeholder receives
// an htmx:responseError event instead. Pages that want the fragment shown in
// place can enable swapping for error responses in their htmx config.
func Fallback(message string) templ.Component {
	return templ.ComponentFunc(func(ctx context.Context, w io.Writer) error {
		_, err := io.WriteString(w, fallbackHTML(message))
		return err
	})
}

func fallbackHTML(message string) string {
	return `<div class="hxdefer-error" role="alert">` + html.EscapeString(message) + `</div>`
}

func writeFallback(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, fallbackHTML(message))
}
