// Package firehose consumes the com.atproto.sync.subscribeRepos event
// stream: frame decoding, a resumable WebSocket subscriber, and a fan-out
// hub that feeds per-filter channels.
package firehose

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	atproto "github.com/bluesky-social/indigo/api/atproto"
	"github.com/ipfs/go-cid"

	"github.com/skystream/skystream/carstore"
	"github.com/skystream/skystream/records"
)

// Event is a decoded firehose frame. Kind holds the header's t value and
// selects which variant pointer is non-nil.
type Event struct {
	Op   int64
	Kind string

	Commit    *Commit
	Sync      *Sync
	Handle    *Handle
	Identity  *Identity
	Account   *Account
	Migrate   *Migrate
	Tombstone *Tombstone
	Info      *Info
}

// Seq returns the relay-assigned sequence number. #info frames carry none.
func (e *Event) Seq() (int64, bool) {
	switch {
	case e.Commit != nil:
		return e.Commit.Seq, true
	case e.Sync != nil:
		return e.Sync.Seq, true
	case e.Handle != nil:
		return e.Handle.Seq, true
	case e.Identity != nil:
		return e.Identity.Seq, true
	case e.Account != nil:
		return e.Account.Seq, true
	case e.Migrate != nil:
		return e.Migrate.Seq, true
	case e.Tombstone != nil:
		return e.Tombstone.Seq, true
	}
	return 0, false
}

// Time returns the relay timestamp of the event, if the variant carries one.
func (e *Event) Time() (time.Time, bool) {
	switch {
	case e.Commit != nil:
		return e.Commit.Time, true
	case e.Sync != nil:
		return e.Sync.Time, true
	case e.Handle != nil:
		return e.Handle.Time, true
	case e.Identity != nil:
		return e.Identity.Time, true
	case e.Account != nil:
		return e.Account.Time, true
	case e.Migrate != nil:
		return e.Migrate.Time, true
	case e.Tombstone != nil:
		return e.Tombstone.Time, true
	}
	return time.Time{}, false
}

// RepoOp is one record mutation inside a commit.
type RepoOp struct {
	Action string // "create", "update", or "delete"
	Path   string // collection/rkey
	Cid    *cid.Cid
}

// Collection returns the op path's collection NSID.
func (o RepoOp) Collection() string {
	col, _, _ := strings.Cut(o.Path, "/")
	return col
}

// Rkey returns the op path's record key.
func (o RepoOp) Rkey() string {
	_, rkey, _ := strings.Cut(o.Path, "/")
	return rkey
}

// Blob is a binary attachment referenced by a commit.
type Blob struct {
	Did string
	Cid string
}

// URL renders the getBlob fetch URL for the attachment.
func (b Blob) URL() string {
	return fmt.Sprintf("https://bsky.social/xrpc/com.atproto.sync.getBlob?did=%s&cid=%s", b.Did, b.Cid)
}

// Commit is a #commit event: a repository mutation with its embedded CAR
// block store already decoded.
type Commit struct {
	Seq    int64
	Rebase bool
	TooBig bool
	Repo   string
	Commit cid.Cid
	Prev   *cid.Cid
	Rev    string
	Since  string
	Blocks *carstore.BlockMap
	Ops    []RepoOp
	Blobs  []Blob
	Time   time.Time

	logger *slog.Logger
}

func newCommit(c *atproto.SyncSubscribeRepos_Commit, logger *slog.Logger) *Commit {
	out := &Commit{
		Seq:    c.Seq,
		Rebase: c.Rebase,
		TooBig: c.TooBig,
		Repo:   c.Repo,
		Commit: cid.Cid(c.Commit),
		Rev:    c.Rev,
		Blocks: carstore.Decode(c.Blocks, logger),
		Time:   parseTime(c.Time),
		logger: logger,
	}
	if c.Since != nil {
		out.Since = *c.Since
	}
	if c.PrevData != nil {
		prev := cid.Cid(*c.PrevData)
		out.Prev = &prev
	}
	for _, op := range c.Ops {
		ro := RepoOp{Action: op.Action, Path: op.Path}
		if op.Cid != nil {
			cc := cid.Cid(*op.Cid)
			ro.Cid = &cc
		}
		out.Ops = append(out.Ops, ro)
	}
	for _, b := range c.Blobs {
		out.Blobs = append(out.Blobs, Blob{Did: c.Repo, Cid: cid.Cid(b).String()})
	}
	return out
}

// OpRecord pairs a commit op with its decoded record.
type OpRecord struct {
	Op     RepoOp
	Record *records.Record
}

// Records resolves and decodes the records of every create/update op whose
// path has the given collection prefix. Ops whose CID does not resolve in
// the block store, or whose block fails to decode, are logged and skipped.
func (c *Commit) Records(prefix string) []OpRecord {
	logger := c.logger
	if logger == nil {
		logger = slog.Default()
	}
	var out []OpRecord
	for _, op := range c.Ops {
		if op.Action != "create" && op.Action != "update" {
			continue
		}
		if !strings.HasPrefix(op.Path, prefix) {
			continue
		}
		if op.Cid == nil {
			continue
		}
		raw, ok := c.Blocks.Get(*op.Cid)
		if !ok {
			logger.Warn("op cid not in commit blocks", "path", op.Path, "cid", op.Cid.String())
			continue
		}
		rec, err := records.Decode(raw)
		if err != nil {
			logger.Warn("record decode failed", "path", op.Path, "error", err)
			continue
		}
		out = append(out, OpRecord{Op: op, Record: rec})
	}
	return out
}

// PostRef is a created post and the op path it arrived under.
type PostRef struct {
	Path string
	Cid  cid.Cid
	Post *records.Post
}

// Posts returns the post records created by this commit, in op order.
func (c *Commit) Posts() []PostRef {
	var out []PostRef
	for _, or := range c.Records(records.TypePost) {
		if or.Op.Action != "create" || or.Record.Post == nil {
			continue
		}
		out = append(out, PostRef{Path: or.Op.Path, Cid: *or.Op.Cid, Post: or.Record.Post})
	}
	return out
}

// PostTexts returns the text of every post created by this commit.
func (c *Commit) PostTexts() []string {
	var out []string
	for _, p := range c.Posts() {
		out = append(out, p.Post.Text)
	}
	return out
}

// PostPath returns the op path of the first created post.
func (c *Commit) PostPath() (string, bool) {
	posts := c.Posts()
	if len(posts) == 0 {
		return "", false
	}
	return posts[0].Path, true
}

// Sync is a #sync event carrying a fresh snapshot marker for a repo.
type Sync struct {
	Seq    int64
	Did    string
	Rev    string
	Blocks *carstore.BlockMap
	Time   time.Time
}

func newSync(s *atproto.SyncSubscribeRepos_Sync) *Sync {
	return &Sync{
		Seq:    s.Seq,
		Did:    s.Did,
		Rev:    s.Rev,
		Blocks: carstore.Decode(s.Blocks, nil),
		Time:   parseTime(s.Time),
	}
}

// Handle is a (deprecated) #handle event announcing a handle change.
type Handle struct {
	Seq    int64
	Did    string
	Handle string
	Time   time.Time
}

// Identity is an #identity event; the account's identity material changed.
type Identity struct {
	Seq    int64
	Did    string
	Handle string
	Time   time.Time
}

// Account is an #account event announcing account status changes.
type Account struct {
	Seq    int64
	Did    string
	Active bool
	Status string
	Time   time.Time
}

// Migrate is a (deprecated) #migrate event.
type Migrate struct {
	Seq       int64
	Did       string
	MigrateTo string
	Time      time.Time
}

// Tombstone is a (deprecated) #tombstone event.
type Tombstone struct {
	Seq  int64
	Did  string
	Time time.Time
}

// Info is an #info frame. It never advances the sequence cursor.
type Info struct {
	Name    string
	Message string
}

// InfoOutdatedCursor is the #info name sent when the requested cursor has
// fallen out of the relay's replay window.
const InfoOutdatedCursor = "OutdatedCursor"

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
