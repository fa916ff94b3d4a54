// Package records decodes app.bsky.* repository records from DAG-CBOR block
// bytes into typed structs. The discriminator is the record's $type field;
// unrecognized types decode into the Unknown catch-all so that forward
// compatible records never fail.
package records

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/ipfs/go-cid"
)

// Record collection NSIDs.
const (
	TypePost       = "app.bsky.feed.post"
	TypeLike       = "app.bsky.feed.like"
	TypeRepost     = "app.bsky.feed.repost"
	TypeGenerator  = "app.bsky.feed.generator"
	TypeThreadgate = "app.bsky.feed.threadgate"
	TypeFollow     = "app.bsky.graph.follow"
	TypeBlock      = "app.bsky.graph.block"
	TypeList       = "app.bsky.graph.list"
	TypeListitem   = "app.bsky.graph.listitem"
	TypeProfile    = "app.bsky.actor.profile"
)

var (
	ErrEmptyBlock = errors.New("records: empty block")
	ErrNotARecord = errors.New("records: block has no $type field")
)

// StrongRef is a {uri, cid} reference to another record.
type StrongRef struct {
	Uri string `json:"uri"`
	Cid string `json:"cid"`
}

// ReplyRef links a post into a thread.
type ReplyRef struct {
	Root   StrongRef `json:"root"`
	Parent StrongRef `json:"parent"`
}

// Facet annotates a byte range of a post's UTF-8 text. Indices are byte
// offsets, not rune offsets.
type Facet struct {
	Index    FacetIndex     `json:"index"`
	Features []FacetFeature `json:"features"`
}

type FacetIndex struct {
	ByteStart int `json:"byteStart"`
	ByteEnd   int `json:"byteEnd"`
}

// FacetFeature is one mention/link/tag annotation.
type FacetFeature struct {
	Type string `json:"$type"`
	Did  string `json:"did,omitempty"` // app.bsky.richtext.facet#mention
	Uri  string `json:"uri,omitempty"` // app.bsky.richtext.facet#link
	Tag  string `json:"tag,omitempty"` // app.bsky.richtext.facet#tag
}

// BlobRef references an uploaded binary blob.
type BlobRef struct {
	Type     string          `json:"$type,omitempty"`
	Ref      json.RawMessage `json:"ref,omitempty"`
	MimeType string          `json:"mimeType,omitempty"`
	Size     int64           `json:"size,omitempty"`
}

// EmbedImage is a single image in an images embed.
type EmbedImage struct {
	Alt   string  `json:"alt"`
	Image BlobRef `json:"image"`
}

// EmbedExternal is an external-link card.
type EmbedExternal struct {
	Uri         string   `json:"uri"`
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Thumb       *BlobRef `json:"thumb,omitempty"`
}

// Embed is the post embed union. Exactly one group of fields is populated
// according to Type.
type Embed struct {
	Type     string         `json:"$type"`
	Images   []EmbedImage   `json:"images,omitempty"`   // app.bsky.embed.images
	External *EmbedExternal `json:"external,omitempty"` // app.bsky.embed.external
	Record   *StrongRef     `json:"record,omitempty"`   // app.bsky.embed.record
	Media    *Embed         `json:"media,omitempty"`    // app.bsky.embed.recordWithMedia
}

// Post is an app.bsky.feed.post record.
type Post struct {
	Text      string    `json:"text"`
	CreatedAt string    `json:"createdAt"`
	Langs     []string  `json:"langs,omitempty"`
	Embed     *Embed    `json:"embed,omitempty"`
	Reply     *ReplyRef `json:"reply,omitempty"`
	Facets    []Facet   `json:"facets,omitempty"`
}

// Time parses the post's createdAt. A malformed timestamp yields the zero
// time rather than an error; record timestamps in the wild are unreliable.
func (p *Post) Time() time.Time {
	t, err := time.Parse(time.RFC3339, p.CreatedAt)
	if err != nil {
		return time.Time{}
	}
	return t
}

// HasLang reports whether the post is tagged with the given language code.
func (p *Post) HasLang(code string) bool {
	for _, l := range p.Langs {
		if l == code {
			return true
		}
	}
	return false
}

// Like is an app.bsky.feed.like record.
type Like struct {
	Subject   StrongRef `json:"subject"`
	CreatedAt string    `json:"createdAt"`
}

// Repost is an app.bsky.feed.repost record.
type Repost struct {
	Subject   StrongRef `json:"subject"`
	CreatedAt string    `json:"createdAt"`
}

// Follow is an app.bsky.graph.follow record.
type Follow struct {
	Subject   string `json:"subject"`
	CreatedAt string `json:"createdAt"`
}

// Block is an app.bsky.graph.block record.
type Block struct {
	Subject   string `json:"subject"`
	CreatedAt string `json:"createdAt"`
}

// List is an app.bsky.graph.list record.
type List struct {
	Name        string `json:"name"`
	Purpose     string `json:"purpose"`
	Description string `json:"description,omitempty"`
	CreatedAt   string `json:"createdAt"`
}

// Listitem is an app.bsky.graph.listitem record.
type Listitem struct {
	Subject   string `json:"subject"`
	List      string `json:"list"`
	CreatedAt string `json:"createdAt"`
}

// Generator is an app.bsky.feed.generator record.
type Generator struct {
	Did         string `json:"did"`
	DisplayName string `json:"displayName"`
	Description string `json:"description,omitempty"`
	CreatedAt   string `json:"createdAt"`
}

// Profile is an app.bsky.actor.profile record.
type Profile struct {
	DisplayName string   `json:"displayName,omitempty"`
	Description string   `json:"description,omitempty"`
	Avatar      *BlobRef `json:"avatar,omitempty"`
	Banner      *BlobRef `json:"banner,omitempty"`
}

// Threadgate is an app.bsky.feed.threadgate record.
type Threadgate struct {
	Post      string          `json:"post"`
	Allow     json.RawMessage `json:"allow,omitempty"`
	CreatedAt string          `json:"createdAt"`
}

// Record is the tagged union over record schemas. Type always holds the raw
// $type string; at most one variant pointer is non-nil. Unknown carries the
// bridged JSON object for types this package has no schema for.
type Record struct {
	Type       string
	Post       *Post
	Like       *Like
	Repost     *Repost
	Follow     *Follow
	Block      *Block
	List       *List
	Listitem   *Listitem
	Generator  *Generator
	Profile    *Profile
	Threadgate *Threadgate
	Unknown    map[string]any
}

// Decode parses a DAG-CBOR block as a record. The block is bridged through a
// canonical JSON encoding into the variant selected by $type; unrecognized
// types land in Unknown.
func Decode(raw []byte) (*Record, error) {
	if len(raw) == 0 {
		return nil, ErrEmptyBlock
	}

	var value any
	dec := cbor.NewDecoder(bytes.NewReader(raw))
	if err := dec.Decode(&value); err != nil {
		return nil, fmt.Errorf("records: decode cbor: %w", err)
	}
	obj, ok := toStringKeyed(value).(map[string]any)
	if !ok {
		return nil, ErrNotARecord
	}
	typ, _ := obj["$type"].(string)
	if typ == "" {
		return nil, ErrNotARecord
	}

	bridged, err := json.Marshal(obj)
	if err != nil {
		return nil, fmt.Errorf("records: bridge to json: %w", err)
	}

	rec := &Record{Type: typ}
	var target any
	switch typ {
	case TypePost:
		rec.Post = &Post{}
		target = rec.Post
	case TypeLike:
		rec.Like = &Like{}
		target = rec.Like
	case TypeRepost:
		rec.Repost = &Repost{}
		target = rec.Repost
	case TypeFollow:
		rec.Follow = &Follow{}
		target = rec.Follow
	case TypeBlock:
		rec.Block = &Block{}
		target = rec.Block
	case TypeList:
		rec.List = &List{}
		target = rec.List
	case TypeListitem:
		rec.Listitem = &Listitem{}
		target = rec.Listitem
	case TypeGenerator:
		rec.Generator = &Generator{}
		target = rec.Generator
	case TypeProfile:
		rec.Profile = &Profile{}
		target = rec.Profile
	case TypeThreadgate:
		rec.Threadgate = &Threadgate{}
		target = rec.Threadgate
	default:
		rec.Unknown = obj
		return rec, nil
	}
	if err := json.Unmarshal(bridged, target); err != nil {
		return nil, fmt.Errorf("records: decode %s: %w", typ, err)
	}
	return rec, nil
}

// toStringKeyed recursively rewrites CBOR-decoded maps into string-keyed
// maps so the value survives a trip through encoding/json.
func toStringKeyed(v any) any {
	switch m := v.(type) {
	case map[any]any:
		out := make(map[string]any, len(m))
		for k, val := range m {
			var key string
			switch kk := k.(type) {
			case string:
				key = kk
			case []byte:
				key = string(kk)
			default:
				key = fmt.Sprintf("%v", kk)
			}
			out[key] = toStringKeyed(val)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(m))
		for k, val := range m {
			out[k] = toStringKeyed(val)
		}
		return out
	case []any:
		out := make([]any, len(m))
		for i, val := range m {
			out[i] = toStringKeyed(val)
		}
		return out
	case cbor.Tag:
		// Tag 42 wraps a CID with a multibase identity prefix; render it
		// the way atproto JSON does, as a $link object.
		if m.Number == 42 {
			if raw, ok := m.Content.([]byte); ok && len(raw) > 1 {
				if c, err := cid.Cast(raw[1:]); err == nil {
					return map[string]any{"$link": c.String()}
				}
			}
		}
		return toStringKeyed(m.Content)
	case []byte:
		return string(m)
	default:
		return v
	}
}
