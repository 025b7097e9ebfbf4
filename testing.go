package hxdefer

import (
	"bytes"
	"context"
	"html"
	"net/http"
	"net/http/httptest"
	"strings"

	"github.com/a-h/templ"
)

// TestResult holds rendered output for assertions in tests.
type TestResult struct {
	HTML       string
	StatusCode int
	Headers    http.Header
}

// TestRender renders c in the given execution context.
//
//	result, err := hxdefer.TestRender(hxdefer.Server, page())
//	if !result.IsPlaceholder() {
//	    t.Fatal("map should not render on the server")
//	}
func TestRender(ec ExecutionContext, c templ.Component) (*TestResult, error) {
	return TestRenderWithContext(context.Background(), ec, c)
}

// TestRenderWithContext is TestRender with a caller-supplied context.
func TestRenderWithContext(ctx context.Context, ec ExecutionContext, c templ.Component) (*TestResult, error) {
	var buf bytes.Buffer
	if err := c.Render(WithExecutionContext(ctx, ec), &buf); err != nil {
		return nil, err
	}
	return &TestResult{
		HTML:       buf.String(),
		StatusCode: http.StatusOK,
		Headers:    make(http.Header),
	}, nil
}

// TestActivate issues the GET an HTMX placeholder would send to url.
//
//	page, _ := hxdefer.TestRender(hxdefer.Server, page())
//	result, _ := hxdefer.TestActivate(reg.Handler(), page.ActivationURL())
func TestActivate(h http.Handler, url string) (*TestResult, error) {
	return TestActivateWithContext(context.Background(), h, url)
}

// TestActivateWithContext is TestActivate with a caller-supplied context.
func TestActivateWithContext(ctx context.Context, h http.Handler, url string) (*TestResult, error) {
	req := httptest.NewRequest(http.MethodGet, url, nil).WithContext(ctx)
	req.Header.Set("HX-Request", "true")

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	return &TestResult{
		HTML:       rec.Body.String(),
		StatusCode: rec.Code,
		Headers:    rec.Header(),
	}, nil
}

// HTMLContains checks if the HTML contains a substring.
func (r *TestResult) HTMLContains(substr string) bool {
	return strings.Contains(r.HTML, substr)
}

// HTMLContainsAll checks if the HTML contains all the given substrings.
func (r *TestResult) HTMLContainsAll(substrs ...string) bool {
	for _, s := range substrs {
		if !strings.Contains(r.HTML, s) {
			return false
		}
	}
	return true
}

// IsOK returns true for a 2xx status.
func (r *TestResult) IsOK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// IsPlaceholder reports whether the output contains a deferred placeholder.
func (r *TestResult) IsPlaceholder() bool {
	return strings.Contains(r.HTML, `data-hxdefer="`)
}

// ActivationURL returns the hx-get URL of the first placeholder in the
// output, or "" when there is none.
func (r *TestResult) ActivationURL() string {
	i := strings.Index(r.HTML, `data-hxdefer="`)
	if i < 0 {
		return ""
	}
	rest := r.HTML[i:]
	const attr = `hx-get="`
	j := strings.Index(rest, attr)
	if j < 0 {
		return ""
	}
	rest = rest[j+len(attr):]
	end := strings.IndexByte(rest, '"')
	if end < 0 {
		return ""
	}
	return html.UnescapeString(rest[:end])
}
