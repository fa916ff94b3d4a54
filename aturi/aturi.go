// Package aturi parses and renders at:// URIs.
package aturi

import (
	"net/url"
	"regexp"
	"strings"
)

var uriRegex = regexp.MustCompile(`^(at://)?((?:did:[a-zA-Z0-9:%-]+)|(?:[a-zA-Z0-9][a-zA-Z0-9.:-]*))(/[^?#\s]*)?(\?[^#\s]+)?(#[^\s]+)?$`)

// AtUri is a parsed at://host/collection/rkey reference. All fields are
// optional; an empty string means the component was absent.
type AtUri struct {
	Host     string
	Pathname string
	Search   string // query string without the leading "?"
	Hash     string // fragment without the leading "#"
}

// New builds an AtUri from raw components.
func New(host, pathname, search, hash string) AtUri {
	return AtUri{
		Host:     host,
		Pathname: pathname,
		Search:   search,
		Hash:     hash,
	}
}

// Parse parses a string as an at:// URI. The second return value is false
// when the input does not match the at:// grammar.
func Parse(s string) (AtUri, bool) {
	caps := uriRegex.FindStringSubmatch(s)
	if caps == nil {
		return AtUri{}, false
	}
	return AtUri{
		Host:     caps[2],
		Pathname: caps[3],
		Search:   strings.TrimPrefix(caps[4], "?"),
		Hash:     strings.TrimPrefix(caps[5], "#"),
	}, true
}

// String renders the URI in canonical at://host/path?query#hash form.
// An absent path renders as nothing so that Parse(u.String()) == u.
func (u AtUri) String() string {
	var b strings.Builder
	b.WriteString("at://")
	b.WriteString(u.Host)
	if u.Pathname != "" {
		if !strings.HasPrefix(u.Pathname, "/") {
			b.WriteString("/")
		}
		b.WriteString(u.Pathname)
	}
	if u.Search != "" {
		b.WriteString("?")
		b.WriteString(u.Search)
	}
	if u.Hash != "" {
		b.WriteString("#")
		b.WriteString(u.Hash)
	}
	return b.String()
}

// Collection returns the first path segment after the host, or "" when the
// path has none.
func (u AtUri) Collection() string {
	return u.pathSegment(1)
}

// Rkey returns the second path segment after the host, or "" when the path
// has none.
func (u AtUri) Rkey() string {
	return u.pathSegment(2)
}

func (u AtUri) pathSegment(n int) string {
	p := strings.TrimPrefix(u.Pathname, "/")
	if p == "" {
		return ""
	}
	parts := strings.Split(p, "/")
	if n-1 >= len(parts) {
		return ""
	}
	return parts[n-1]
}

// Query parses the search component as URL query parameters.
func (u AtUri) Query() url.Values {
	if u.Search == "" {
		return url.Values{}
	}
	v, err := url.ParseQuery(u.Search)
	if err != nil {
		return url.Values{}
	}
	return v
}
