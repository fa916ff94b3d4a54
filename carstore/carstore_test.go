package carstore

import (
	"bytes"
	"testing"

	"github.com/fxamacker/cbor/v2"
	"github.com/ipfs/go-cid"
	mh "github.com/multiformats/go-multihash"
	"github.com/multiformats/go-varint"
)

// cidOf hashes data the way a dag-cbor block is addressed.
func cidOf(t *testing.T, data []byte) cid.Cid {
	t.Helper()
	sum, err := mh.Sum(data, mh.SHA2_256, -1)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	return cid.NewCidV1(cid.DagCBOR, sum)
}

// buildCAR assembles a CARv1 byte stream with the given root and blocks.
func buildCAR(t *testing.T, root cid.Cid, blocks map[cid.Cid][]byte) []byte {
	t.Helper()
	header, err := cbor.Marshal(map[string]any{
		"version": 1,
		"roots": []any{
			cbor.Tag{Number: 42, Content: append([]byte{0x00}, root.Bytes()...)},
		},
	})
	if err != nil {
		t.Fatalf("encode header: %v", err)
	}
	var buf bytes.Buffer
	buf.Write(varint.ToUvarint(uint64(len(header))))
	buf.Write(header)
	for c, data := range blocks {
		section := append(c.Bytes(), data...)
		buf.Write(varint.ToUvarint(uint64(len(section))))
		buf.Write(section)
	}
	return buf.Bytes()
}

func encodeRecord(t *testing.T, record map[string]any) []byte {
	t.Helper()
	data, err := cbor.Marshal(record)
	if err != nil {
		t.Fatalf("encode record: %v", err)
	}
	return data
}

func TestDecode(t *testing.T) {
	blockA := encodeRecord(t, map[string]any{"$type": "app.bsky.feed.post", "text": "hello"})
	blockB := encodeRecord(t, map[string]any{"$type": "app.bsky.feed.like"})
	cidA, cidB := cidOf(t, blockA), cidOf(t, blockB)
	data := buildCAR(t, cidA, map[cid.Cid][]byte{cidA: blockA, cidB: blockB})

	m := Decode(data, nil)
	if m.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", m.Len())
	}
	got, ok := m.Get(cidA)
	if !ok || !bytes.Equal(got, blockA) {
		t.Errorf("Get(%s) = %v, %v", cidA, got, ok)
	}
	if _, ok := m.Get(cidB); !ok {
		t.Errorf("Get(%s) missing", cidB)
	}
	roots := m.Roots()
	if len(roots) != 1 || !roots[0].Equals(cidA) {
		t.Errorf("Roots() = %v, want [%s]", roots, cidA)
	}
}

func TestDecodeEmpty(t *testing.T) {
	if m := Decode(nil, nil); m.Len() != 0 {
		t.Errorf("Decode(nil) Len() = %d", m.Len())
	}
	if m := Decode([]byte{}, nil); m.Len() != 0 {
		t.Errorf("Decode(empty) Len() = %d", m.Len())
	}
}

func TestDecodeGarbageHeader(t *testing.T) {
	m := Decode([]byte{0xff, 0x00, 0x13, 0x37}, nil)
	if m.Len() != 0 {
		t.Errorf("garbage input Len() = %d, want 0", m.Len())
	}
}

func TestDecodeCorruptTailKeepsPartial(t *testing.T) {
	block := encodeRecord(t, map[string]any{"text": "survivor"})
	c := cidOf(t, block)
	data := buildCAR(t, c, map[cid.Cid][]byte{c: block})
	// Announce a large section, then truncate.
	data = append(data, varint.ToUvarint(1<<20)...)
	data = append(data, 0xde, 0xad)

	m := Decode(data, nil)
	if m.Len() != 1 {
		t.Fatalf("Len() = %d, want 1 surviving block", m.Len())
	}
	if _, ok := m.Get(c); !ok {
		t.Errorf("block before the corrupt tail should survive")
	}
}

func TestGetUnknownCid(t *testing.T) {
	block := encodeRecord(t, map[string]any{"text": "x"})
	c := cidOf(t, block)
	m := Decode(buildCAR(t, c, map[cid.Cid][]byte{c: block}), nil)

	other := cidOf(t, []byte("not in the archive"))
	if _, ok := m.Get(other); ok {
		t.Errorf("Get of absent CID returned ok")
	}
}
