package firehose

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"

	atproto "github.com/bluesky-social/indigo/api/atproto"
	"github.com/bluesky-social/indigo/events"
	"github.com/fxamacker/cbor/v2"
)

// Frame decode errors. ErrUnknownVariant is non-fatal at the caller; the
// frame is counted and skipped.
var (
	ErrMalformedFrame = errors.New("firehose: malformed frame")
	ErrUnknownVariant = errors.New("firehose: unknown frame variant")
	ErrErrorFrame     = errors.New("firehose: protocol error frame")
)

// DecodeFrame parses one binary WebSocket message into an Event. A message
// is two concatenated DAG-CBOR values: the header {op, t} followed by the
// payload variant named by t.
func DecodeFrame(data []byte, logger *slog.Logger) (*Event, error) {
	if logger == nil {
		logger = slog.Default()
	}
	r := bytes.NewReader(data)

	var header events.EventHeader
	if err := header.UnmarshalCBOR(r); err != nil {
		return nil, fmt.Errorf("%w: header: %v", ErrMalformedFrame, err)
	}

	if header.Op < 0 {
		var ef events.ErrorFrame
		if err := ef.UnmarshalCBOR(r); err == nil {
			logger.Warn("firehose error frame", "error", ef.Error, "message", ef.Message)
			return nil, fmt.Errorf("%w: %s: %s", ErrErrorFrame, ef.Error, ef.Message)
		}
		logger.Warn("firehose error frame", "op", header.Op)
		return nil, ErrErrorFrame
	}

	ev := &Event{Op: header.Op, Kind: header.MsgType}
	switch header.MsgType {
	case "#commit":
		var c atproto.SyncSubscribeRepos_Commit
		if err := c.UnmarshalCBOR(r); err != nil {
			return nil, fmt.Errorf("%w: commit payload: %v", ErrMalformedFrame, err)
		}
		ev.Commit = newCommit(&c, logger)
	case "#sync":
		var s atproto.SyncSubscribeRepos_Sync
		if err := s.UnmarshalCBOR(r); err != nil {
			return nil, fmt.Errorf("%w: sync payload: %v", ErrMalformedFrame, err)
		}
		ev.Sync = newSync(&s)
	case "#handle":
		var h handlePayload
		if err := cbor.NewDecoder(r).Decode(&h); err != nil {
			return nil, fmt.Errorf("%w: handle payload: %v", ErrMalformedFrame, err)
		}
		ev.Handle = &Handle{Seq: h.Seq, Did: h.Did, Handle: h.Handle, Time: parseTime(h.Time)}
	case "#identity":
		var id atproto.SyncSubscribeRepos_Identity
		if err := id.UnmarshalCBOR(r); err != nil {
			return nil, fmt.Errorf("%w: identity payload: %v", ErrMalformedFrame, err)
		}
		ev.Identity = &Identity{Seq: id.Seq, Did: id.Did, Time: parseTime(id.Time)}
		if id.Handle != nil {
			ev.Identity.Handle = *id.Handle
		}
	case "#account":
		var a atproto.SyncSubscribeRepos_Account
		if err := a.UnmarshalCBOR(r); err != nil {
			return nil, fmt.Errorf("%w: account payload: %v", ErrMalformedFrame, err)
		}
		ev.Account = &Account{Seq: a.Seq, Did: a.Did, Active: a.Active, Time: parseTime(a.Time)}
		if a.Status != nil {
			ev.Account.Status = *a.Status
		}
	case "#migrate":
		var mg migratePayload
		if err := cbor.NewDecoder(r).Decode(&mg); err != nil {
			return nil, fmt.Errorf("%w: migrate payload: %v", ErrMalformedFrame, err)
		}
		ev.Migrate = &Migrate{Seq: mg.Seq, Did: mg.Did, Time: parseTime(mg.Time)}
		if mg.MigrateTo != nil {
			ev.Migrate.MigrateTo = *mg.MigrateTo
		}
	case "#tombstone":
		var tb tombstonePayload
		if err := cbor.NewDecoder(r).Decode(&tb); err != nil {
			return nil, fmt.Errorf("%w: tombstone payload: %v", ErrMalformedFrame, err)
		}
		ev.Tombstone = &Tombstone{Seq: tb.Seq, Did: tb.Did, Time: parseTime(tb.Time)}
	case "#info":
		var info atproto.SyncSubscribeRepos_Info
		if err := info.UnmarshalCBOR(r); err != nil {
			return nil, fmt.Errorf("%w: info payload: %v", ErrMalformedFrame, err)
		}
		ev.Info = &Info{Name: info.Name}
		if info.Message != nil {
			ev.Info.Message = *info.Message
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownVariant, header.MsgType)
	}
	return ev, nil
}

// The relay still emits the deprecated account-lifecycle variants, but the
// pinned indigo no longer generates types for them; decode into local
// shapes instead.
type handlePayload struct {
	Seq    int64  `cbor:"seq"`
	Did    string `cbor:"did"`
	Handle string `cbor:"handle"`
	Time   string `cbor:"time"`
}

type migratePayload struct {
	Seq       int64   `cbor:"seq"`
	Did       string  `cbor:"did"`
	MigrateTo *string `cbor:"migrateTo"`
	Time      string  `cbor:"time"`
}

type tombstonePayload struct {
	Seq  int64  `cbor:"seq"`
	Did  string `cbor:"did"`
	Time string `cbor:"time"`
}
