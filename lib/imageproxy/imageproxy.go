// Package imageproxy serves remote images through the application's own
// origin, refusing any source the remote-pattern table does not admit.
//
//	tbl := remotepattern.Default()
//	h := imageproxy.New(tbl, imageproxy.Options{Timeout: 10 * time.Second})
//	mux.Handle("/_img", h)
//
// Templates build proxied sources with URL:
//
//	<img src={ imageproxy.URL("/_img", "https://tile.openstreetmap.org/3/4/2.png") }/>
package imageproxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/pthm/hxdefer/lib/remotepattern"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// Error messages written to clients.
const (
	MsgURLRequired    = `"url" parameter is required`
	MsgURLInvalid     = `"url" parameter is invalid`
	MsgURLNotAllowed  = `"url" parameter is not allowed`
	MsgUpstreamFailed = "upstream image response failed"
	MsgNotAnImage     = "the requested resource isn't a valid image"
	MsgTooLarge       = "the requested resource is too large"
)

// Sentinel errors for the upstream fetch.
var (
	ErrUpstreamStatus = errors.New("imageproxy: upstream returned non-success status")
	ErrNotAnImage     = errors.New("imageproxy: upstream content is not an image")
	ErrTooLarge       = errors.New("imageproxy: upstream content exceeds size limit")

	// ErrRedirectNotAllowed is returned when an upstream redirect leads to
	// a URL the table does not admit, or when there are too many hops.
	ErrRedirectNotAllowed = errors.New("imageproxy: redirect target is not allowed")
)

const (
	defaultTimeout     = 10 * time.Second
	defaultMaxBytes    = 10 << 20
	defaultCacheMaxAge = 60 * time.Second
	maxRedirects       = 5
)

// Observer receives policy and fetch events. Implementations must be safe
// for concurrent use.
type Observer interface {
	Decision(permitted bool)
	Fetched(status int, d time.Duration)
}

// Options configures a Handler. Zero values select defaults.
type Options struct {
	Timeout     time.Duration
	MaxBytes    int64
	CacheMaxAge time.Duration
	Client      *http.Client
	Logger      *zerolog.Logger
	Observer    Observer
}

// Handler is the image-serving endpoint.
type Handler struct {
	table    *remotepattern.Table
	client   *http.Client
	maxBytes int64
	maxAge   time.Duration
	logger   zerolog.Logger
	observer Observer
	group    singleflight.Group
}

// New creates a Handler guarded by table.
func New(table *remotepattern.Table, opts Options) *Handler {
	h := &Handler{
		table:    table,
		client:   opts.Client,
		maxBytes: opts.MaxBytes,
		maxAge:   opts.CacheMaxAge,
		logger:   zerolog.Nop(),
		observer: opts.Observer,
	}
	if opts.Logger != nil {
		h.logger = *opts.Logger
	}
	if h.client == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		h.client = &http.Client{Timeout: timeout}
	} else {
		c := *h.client
		h.client = &c
	}
	h.client.CheckRedirect = h.checkRedirect
	if h.maxBytes <= 0 {
		h.maxBytes = defaultMaxBytes
	}
	if h.maxAge <= 0 {
		h.maxAge = defaultCacheMaxAge
	}
	return h
}

// URL returns the proxied address of target under path.
func URL(path, target string) string {
	return path + "?url=" + url.QueryEscape(target)
}

// Check parses raw and evaluates it against the table. The returned message
// is empty when the URL is permitted.
func (h *Handler) Check(raw string) (*url.URL, string) {
	if raw == "" {
		return nil, MsgURLRequired
	}
	u, err := url.Parse(raw)
	if err != nil || !u.IsAbs() || u.Host == "" {
		return nil, MsgURLInvalid
	}
	if !h.table.PermittedURL(u) {
		return u, MsgURLNotAllowed
	}
	return u, ""
}

// checkRedirect holds every hop to the same table as the first request.
func (h *Handler) checkRedirect(req *http.Request, via []*http.Request) error {
	if len(via) >= maxRedirects {
		return fmt.Errorf("%w: stopped after %d redirects", ErrRedirectNotAllowed, len(via))
	}
	if !h.table.PermittedURL(req.URL) {
		return fmt.Errorf("%w: %s", ErrRedirectNotAllowed, req.URL.Redacted())
	}
	return nil
}

type fetched struct {
	body        []byte
	contentType string
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	u, msg := h.Check(r.URL.Query().Get("url"))
	if msg == MsgURLNotAllowed && h.observer != nil {
		h.observer.Decision(false)
	}
	if msg != "" {
		h.logger.Debug().Str("url", r.URL.Query().Get("url")).Str("reason", msg).Msg("image request rejected")
		http.Error(w, msg, http.StatusBadRequest)
		return
	}
	if h.observer != nil {
		h.observer.Decision(true)
	}

	target := u.String()
	v, err, shared := h.group.Do(target, func() (any, error) {
		return h.fetch(context.WithoutCancel(r.Context()), target)
	})
	if err != nil {
		h.logger.Warn().Err(err).Str("url", target).Msg("image fetch failed")
		switch {
		case errors.Is(err, ErrRedirectNotAllowed):
			if h.observer != nil {
				h.observer.Decision(false)
			}
			http.Error(w, MsgURLNotAllowed, http.StatusBadRequest)
		case errors.Is(err, ErrNotAnImage):
			http.Error(w, MsgNotAnImage, http.StatusBadRequest)
		case errors.Is(err, ErrTooLarge):
			http.Error(w, MsgTooLarge, http.StatusBadGateway)
		default:
			http.Error(w, MsgUpstreamFailed, http.StatusBadGateway)
		}
		return
	}
	img := v.(*fetched)

	h.logger.Debug().Str("url", target).Bool("shared", shared).Int("bytes", len(img.body)).Msg("image served")

	w.Header().Set("Content-Type", img.contentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(img.body)))
	w.Header().Set("Cache-Control", fmt.Sprintf("public, max-age=%d", int(h.maxAge.Seconds())))
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("Content-Security-Policy", "script-src 'none'; frame-src 'none'; sandbox;")
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodHead {
		return
	}
	_, _ = w.Write(img.body)
}

func (h *Handler) fetch(ctx context.Context, target string) (*fetched, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "image/*")

	start := time.Now()
	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("imageproxy: fetch %s: %w", target, err)
	}
	defer resp.Body.Close()
	if h.observer != nil {
		h.observer.Fetched(resp.StatusCode, time.Since(start))
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: %d", ErrUpstreamStatus, resp.StatusCode)
	}

	ct := resp.Header.Get("Content-Type")
	mediaType, _, err := mime.ParseMediaType(ct)
	if err != nil || !strings.HasPrefix(mediaType, "image/") {
		return nil, fmt.Errorf("%w: %q", ErrNotAnImage, ct)
	}

	var buf bytes.Buffer
	n, err := io.Copy(&buf, io.LimitReader(resp.Body, h.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("imageproxy: read body: %w", err)
	}
	if n > h.maxBytes {
		return nil, ErrTooLarge
	}

	return &fetched{body: buf.Bytes(), contentType: ct}, nil
}
