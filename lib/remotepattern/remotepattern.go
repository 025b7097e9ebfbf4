// Package remotepattern implements the allowlist consulted before a remote
// image is fetched on behalf of a page.
//
// A Table is an ordered list of Patterns compiled once. Hostname patterns are
// split on "." and pathname patterns on "/". Within a pattern:
//
//	*    matches exactly one non-empty segment
//	**   matches one or more segments
//	a*b  matches a single segment, "*" standing for any run of characters
//
// A bare "**" hostname therefore admits every host. Tables are immutable and
// safe for concurrent use.
package remotepattern

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// ErrInvalidPattern is returned by Compile for malformed entries.
var ErrInvalidPattern = errors.New("remotepattern: invalid pattern")

// Pattern is one allowlist entry, shaped after images.remotePatterns.
//
// Protocol and Hostname form the scheme/host pair every entry carries.
// Port, Pathname and Search further narrow an entry when set. A nil Port
// admits any port; a pointer to "" admits only URLs without one.
type Pattern struct {
	Protocol string  `yaml:"protocol,omitempty" json:"protocol,omitempty"`
	Hostname string  `yaml:"hostname" json:"hostname"`
	Port     *string `yaml:"port,omitempty" json:"port,omitempty"`
	Pathname string  `yaml:"pathname,omitempty" json:"pathname,omitempty"`
	Search   string  `yaml:"search,omitempty" json:"search,omitempty"`
}

// String renders the entry the way it would appear in a URL.
func (p Pattern) String() string {
	var sb strings.Builder
	if p.Protocol != "" {
		sb.WriteString(p.Protocol)
		sb.WriteString("://")
	} else {
		sb.WriteString("*://")
	}
	sb.WriteString(p.Hostname)
	if p.Port != nil && *p.Port != "" {
		sb.WriteString(":")
		sb.WriteString(*p.Port)
	}
	if p.Pathname != "" {
		sb.WriteString(p.Pathname)
	}
	sb.WriteString(p.Search)
	return sb.String()
}

type compiled struct {
	src      Pattern
	protocol string
	host     []string
	path     []string // nil means any path
}

// Table is a compiled, read-only allowlist.
type Table struct {
	entries []compiled
}

// Default returns the literal configuration this project ships with: every
// hostname over http and https. See Unrestricted.
func Default() *Table {
	t, err := Compile([]Pattern{
		{Protocol: "http", Hostname: "**"},
		{Protocol: "https", Hostname: "**"},
	})
	if err != nil {
		panic(err)
	}
	return t
}

// Compile validates and tokenizes patterns. Order is preserved.
func Compile(patterns []Pattern) (*Table, error) {
	t := &Table{entries: make([]compiled, 0, len(patterns))}
	for i, p := range patterns {
		c, err := compile(p)
		if err != nil {
			return nil, fmt.Errorf("%w: entry %d: %v", ErrInvalidPattern, i, err)
		}
		t.entries = append(t.entries, c)
	}
	return t, nil
}

func compile(p Pattern) (compiled, error) {
	proto := strings.ToLower(strings.TrimSuffix(p.Protocol, ":"))
	switch proto {
	case "", "http", "https":
	default:
		return compiled{}, fmt.Errorf("protocol %q must be http or https", p.Protocol)
	}

	host := strings.ToLower(strings.TrimSpace(p.Hostname))
	if host == "" {
		return compiled{}, errors.New("hostname is required")
	}
	if strings.ContainsAny(host, "/:?#") {
		return compiled{}, fmt.Errorf("hostname %q must not contain a scheme, port or path", p.Hostname)
	}
	hostSegs := strings.Split(host, ".")
	for _, s := range hostSegs {
		if s == "" {
			return compiled{}, fmt.Errorf("hostname %q has an empty label", p.Hostname)
		}
	}

	c := compiled{src: p, protocol: proto, host: hostSegs}

	if p.Pathname != "" {
		if !strings.HasPrefix(p.Pathname, "/") {
			return compiled{}, fmt.Errorf("pathname %q must start with /", p.Pathname)
		}
		c.path = splitPath(p.Pathname)
	}
	if p.Search != "" && !strings.HasPrefix(p.Search, "?") {
		return compiled{}, fmt.Errorf("search %q must start with ?", p.Search)
	}
	return c, nil
}

// Permitted reports whether a (scheme, hostname) pair matches at least one
// entry, ignoring the port, pathname and search restrictions.
func (t *Table) Permitted(scheme, hostname string) bool {
	scheme = strings.ToLower(scheme)
	host := splitHost(hostname)
	if host == nil {
		return false
	}
	for _, e := range t.entries {
		if e.schemeOK(scheme) && matchSegments(e.host, host) {
			return true
		}
	}
	return false
}

// PermittedURL reports whether u matches at least one entry in full.
func (t *Table) PermittedURL(u *url.URL) bool {
	_, ok := t.Match(u)
	return ok
}

// Match returns the first entry admitting u.
func (t *Table) Match(u *url.URL) (Pattern, bool) {
	if u == nil {
		return Pattern{}, false
	}
	scheme := strings.ToLower(u.Scheme)
	host := splitHost(u.Hostname())
	if host == nil {
		return Pattern{}, false
	}
	path := splitPath(u.EscapedPath())
	search := ""
	if u.RawQuery != "" {
		search = "?" + u.RawQuery
	}

	for _, e := range t.entries {
		if !e.schemeOK(scheme) || !matchSegments(e.host, host) {
			continue
		}
		if e.src.Port != nil && *e.src.Port != u.Port() {
			continue
		}
		if e.path != nil && !matchSegments(e.path, path) {
			continue
		}
		if e.src.Search != "" && e.src.Search != search {
			continue
		}
		return e.src, true
	}
	return Pattern{}, false
}

// Unrestricted reports whether the table admits every hostname over both
// http and https, which makes it equivalent to having no allowlist.
func (t *Table) Unrestricted() bool {
	var httpAll, httpsAll bool
	for _, e := range t.entries {
		if len(e.host) != 1 || e.host[0] != "**" || e.src.Port != nil || e.path != nil || e.src.Search != "" {
			continue
		}
		switch e.protocol {
		case "":
			httpAll, httpsAll = true, true
		case "http":
			httpAll = true
		case "https":
			httpsAll = true
		}
	}
	return httpAll && httpsAll
}

// Len returns the number of entries.
func (t *Table) Len() int {
	return len(t.entries)
}

// Patterns returns a copy of the source entries in order.
func (t *Table) Patterns() []Pattern {
	out := make([]Pattern, len(t.entries))
	for i, e := range t.entries {
		out[i] = e.src
	}
	return out
}

func (c compiled) schemeOK(scheme string) bool {
	if c.protocol == "" {
		return scheme == "http" || scheme == "https"
	}
	return c.protocol == scheme
}

func splitHost(hostname string) []string {
	hostname = strings.ToLower(strings.TrimSuffix(hostname, "."))
	if hostname == "" {
		return nil
	}
	segs := strings.Split(hostname, ".")
	for _, s := range segs {
		if s == "" {
			return nil
		}
	}
	return segs
}

// splitPath drops the leading slash; the root path is one empty segment.
func splitPath(p string) []string {
	if p == "" {
		p = "/"
	}
	return strings.Split(strings.TrimPrefix(p, "/"), "/")
}

// matchSegments matches tokenized input against tokenized pattern.
func matchSegments(pattern, input []string) bool {
	if len(pattern) == 0 {
		return len(input) == 0
	}
	head := pattern[0]
	if head == "**" {
		// one or more segments
		for i := 1; i <= len(input); i++ {
			if matchSegments(pattern[1:], input[i:]) {
				return true
			}
		}
		return false
	}
	if len(input) == 0 {
		return false
	}
	if !matchSegment(head, input[0]) {
		return false
	}
	return matchSegments(pattern[1:], input[1:])
}

// matchSegment matches a single segment where "*" spans any characters.
func matchSegment(pattern, s string) bool {
	if pattern == "*" {
		return s != ""
	}
	if !strings.Contains(pattern, "*") {
		return pattern == s
	}
	parts := strings.Split(pattern, "*")
	if !strings.HasPrefix(s, parts[0]) {
		return false
	}
	s = s[len(parts[0]):]
	last := parts[len(parts)-1]
	for _, mid := range parts[1 : len(parts)-1] {
		idx := strings.Index(s, mid)
		if idx < 0 {
			return false
		}
		s = s[idx+len(mid):]
	}
	return strings.HasSuffix(s, last) && len(s) >= len(last)
}
