// Package carstore decodes the CAR archive embedded in a firehose commit's
// blocks field into a CID-addressable block map.
package carstore

import (
	"bytes"
	"errors"
	"io"
	"log/slog"

	"github.com/ipfs/go-cid"
	car "github.com/ipld/go-car/v2"
)

// BlockMap holds the blocks of a decoded CAR archive keyed by CID. Decoding
// is best-effort: a damaged archive yields whatever blocks were readable
// before the damage, never an error.
type BlockMap struct {
	roots  []cid.Cid
	blocks map[cid.Cid][]byte
}

// Decode parses a CAR byte stream. Any framing or header error terminates
// the scan with a warning; blocks decoded up to that point are kept.
func Decode(data []byte, logger *slog.Logger) *BlockMap {
	if logger == nil {
		logger = slog.Default()
	}
	m := &BlockMap{blocks: make(map[cid.Cid][]byte)}
	if len(data) == 0 {
		return m
	}

	br, err := car.NewBlockReader(bytes.NewReader(data))
	if err != nil {
		logger.Warn("car header decode failed", "error", err)
		return m
	}
	m.roots = br.Roots

	for {
		blk, err := br.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			// Truncated or corrupt tail. Keep what we have.
			logger.Warn("car block decode failed", "error", err, "blocks", len(m.blocks))
			break
		}
		m.blocks[blk.Cid()] = blk.RawData()
	}
	return m
}

// Roots returns the root CIDs declared in the CAR header.
func (m *BlockMap) Roots() []cid.Cid {
	return m.roots
}

// Get returns the raw block bytes for a CID.
func (m *BlockMap) Get(c cid.Cid) ([]byte, bool) {
	b, ok := m.blocks[c]
	return b, ok
}

// Len reports the number of decoded blocks.
func (m *BlockMap) Len() int {
	return len(m.blocks)
}

// CIDs returns the CIDs of all decoded blocks. Order is unspecified.
func (m *BlockMap) CIDs() []cid.Cid {
	out := make([]cid.Cid, 0, len(m.blocks))
	for c := range m.blocks {
		out = append(out, c)
	}
	return out
}
