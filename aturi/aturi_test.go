package aturi

import "testing"

func TestParse(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  AtUri
		ok    bool
	}{
		{
			name:  "did host with collection and rkey",
			input: "at://did:plc:abc123/app.bsky.feed.post/3kx",
			want: AtUri{
				Host:     "did:plc:abc123",
				Pathname: "/app.bsky.feed.post/3kx",
			},
			ok: true,
		},
		{
			name:  "handle host",
			input: "at://alice.bsky.social/app.bsky.feed.generator/taste",
			want: AtUri{
				Host:     "alice.bsky.social",
				Pathname: "/app.bsky.feed.generator/taste",
			},
			ok: true,
		},
		{
			name:  "bare host",
			input: "at://did:web:example.com",
			want:  AtUri{Host: "did:web:example.com"},
			ok:    true,
		},
		{
			name:  "missing scheme",
			input: "did:plc:abc123/app.bsky.feed.post/3kx",
			want: AtUri{
				Host:     "did:plc:abc123",
				Pathname: "/app.bsky.feed.post/3kx",
			},
			ok: true,
		},
		{
			name:  "query and fragment",
			input: "at://host.test/coll/rkey?foo=bar#frag",
			want: AtUri{
				Host:     "host.test",
				Pathname: "/coll/rkey",
				Search:   "foo=bar",
				Hash:     "frag",
			},
			ok: true,
		},
		{
			name:  "whitespace rejected",
			input: "at://host .test",
			ok:    false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Parse(tt.input)
			if ok != tt.ok {
				t.Fatalf("Parse(%q) ok = %v, want %v", tt.input, ok, tt.ok)
			}
			if ok && got != tt.want {
				t.Errorf("Parse(%q) = %+v, want %+v", tt.input, got, tt.want)
			}
		})
	}
}

func TestRoundTrip(t *testing.T) {
	uris := []AtUri{
		{Host: "did:plc:abc123"},
		{Host: "did:plc:abc123", Pathname: "/app.bsky.feed.post/3kx"},
		{Host: "alice.bsky.social", Pathname: "/coll/rkey", Search: "a=b", Hash: "top"},
	}
	for _, u := range uris {
		parsed, ok := Parse(u.String())
		if !ok {
			t.Fatalf("Parse(%q) failed", u.String())
		}
		if parsed != u {
			t.Errorf("round trip of %+v via %q = %+v", u, u.String(), parsed)
		}
	}
}

func TestCollectionAndRkey(t *testing.T) {
	u, ok := Parse("at://did:web:example.com/app.bsky.feed.generator/taste")
	if !ok {
		t.Fatal("parse failed")
	}
	if got := u.Collection(); got != "app.bsky.feed.generator" {
		t.Errorf("Collection() = %q", got)
	}
	if got := u.Rkey(); got != "taste" {
		t.Errorf("Rkey() = %q", got)
	}

	bare, _ := Parse("at://did:web:example.com")
	if bare.Collection() != "" || bare.Rkey() != "" {
		t.Errorf("bare host should have empty collection and rkey, got %q %q",
			bare.Collection(), bare.Rkey())
	}
}

func TestQuery(t *testing.T) {
	u, _ := Parse("at://host.test/c/r?limit=5&cursor=abc")
	q := u.Query()
	if q.Get("limit") != "5" || q.Get("cursor") != "abc" {
		t.Errorf("Query() = %v", q)
	}
}
