// Package feedgen implements the app.bsky feed generator surface: a
// thread-safe post store with cursor pagination and an HTTP service
// dispatching skeleton requests to registered algorithms.
package feedgen

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ipfs/go-cid"

	"github.com/skystream/skystream/records"
)

// SkeletonPost is one feed entry: just the post's AT-URI.
type SkeletonPost struct {
	Post string `json:"post"`
}

// Skeleton is the getFeedSkeleton response shape.
type Skeleton struct {
	Feed   []SkeletonPost `json:"feed"`
	Cursor *string        `json:"cursor,omitempty"`
}

// FeedPost is one indexed post with the ordering key used for paging.
type FeedPost struct {
	Uri       string        `json:"uri"`
	Cid       cid.Cid       `json:"cid"`
	Repo      string        `json:"repo"`
	IndexedAt time.Time     `json:"indexedAt"`
	Post      *records.Post `json:"post"`
}

// NewFeedPost stamps a post with the current index time, truncated to
// the cursor's millisecond precision so a post round-trips through its
// own cursor exactly.
func NewFeedPost(uri string, c cid.Cid, repo string, post *records.Post) FeedPost {
	return FeedPost{Uri: uri, Cid: c, Repo: repo, IndexedAt: time.Now().UTC().Truncate(time.Millisecond), Post: post}
}

// olderThan reports whether the post sorts strictly after the cursor in
// the (indexedAt desc, cid desc) order.
func (p *FeedPost) olderThan(c *Cursor) bool {
	switch {
	case p.IndexedAt.Before(c.IndexedAt):
		return true
	case p.IndexedAt.Equal(c.IndexedAt):
		return p.Cid.KeyString() < c.Cid.KeyString()
	}
	return false
}

// ToCursor returns the paging cursor positioned at this post.
func (p *FeedPost) ToCursor() Cursor {
	return Cursor{IndexedAt: p.IndexedAt, Cid: p.Cid}
}

// Cursor is an opaque paging position: index time in millis and the CID
// of the last returned post.
type Cursor struct {
	IndexedAt time.Time
	Cid       cid.Cid
}

// String renders the wire form "millis::cid".
func (c Cursor) String() string {
	return fmt.Sprintf("%d::%s", c.IndexedAt.UnixMilli(), c.Cid.String())
}

// ParseCursor parses the wire form. The second return is false on any
// malformed input.
func ParseCursor(s string) (Cursor, bool) {
	millis, rest, found := strings.Cut(s, "::")
	if !found {
		return Cursor{}, false
	}
	ts, err := strconv.ParseInt(millis, 10, 64)
	if err != nil {
		return Cursor{}, false
	}
	parsed, err := cid.Parse(rest)
	if err != nil {
		return Cursor{}, false
	}
	return Cursor{IndexedAt: time.UnixMilli(ts).UTC(), Cid: parsed}, true
}

// FeedPosts is a thread-safe collection of indexed posts.
type FeedPosts struct {
	mutex sync.RWMutex
	posts []FeedPost
}

// NewFeedPosts builds a store seeded with initial posts.
func NewFeedPosts(initial []FeedPost) *FeedPosts {
	return &FeedPosts{posts: append([]FeedPost(nil), initial...)}
}

// Append adds posts to the store.
func (f *FeedPosts) Append(newPosts []FeedPost) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.posts = append(f.posts, newPosts...)
}

// Delete removes every post whose URI is in uris.
func (f *FeedPosts) Delete(uris []string) {
	set := make(map[string]struct{}, len(uris))
	for _, u := range uris {
		set[u] = struct{}{}
	}
	f.mutex.Lock()
	defer f.mutex.Unlock()
	kept := f.posts[:0]
	for _, p := range f.posts {
		if _, ok := set[p.Uri]; !ok {
			kept = append(kept, p)
		}
	}
	f.posts = kept
}

// Len returns the number of stored posts.
func (f *FeedPosts) Len() int {
	f.mutex.RLock()
	defer f.mutex.RUnlock()
	return len(f.posts)
}

// All returns a snapshot sorted newest first: indexedAt descending, CID
// descending as the tiebreak.
func (f *FeedPosts) All() []FeedPost {
	f.mutex.RLock()
	out := append([]FeedPost(nil), f.posts...)
	f.mutex.RUnlock()
	sortPosts(out)
	return out
}

func sortPosts(posts []FeedPost) {
	sort.Slice(posts, func(i, j int) bool {
		return newer(&posts[i], &posts[j])
	})
}

func newer(a, b *FeedPost) bool {
	switch {
	case a.IndexedAt.After(b.IndexedAt):
		return true
	case a.IndexedAt.Equal(b.IndexedAt):
		return a.Cid.KeyString() > b.Cid.KeyString()
	}
	return false
}

// Page returns up to limit posts older than cursor (everything when
// cursor is nil). The response cursor is present only when posts remain
// beyond the returned page.
func (f *FeedPosts) Page(limit int, cursor *Cursor) Skeleton {
	posts := f.All()
	if cursor != nil {
		remaining := posts[:0]
		for _, p := range posts {
			if p.olderThan(cursor) {
				remaining = append(remaining, p)
			}
		}
		posts = remaining
	}
	page := posts
	if limit >= 0 && limit < len(posts) {
		page = posts[:limit]
	}
	skeleton := Skeleton{Feed: make([]SkeletonPost, 0, len(page))}
	for _, p := range page {
		skeleton.Feed = append(skeleton.Feed, SkeletonPost{Post: p.Uri})
	}
	if len(page) > 0 && len(page) < len(posts) {
		next := page[len(page)-1].ToCursor().String()
		skeleton.Cursor = &next
	}
	return skeleton
}
