package firehose

import "testing"

func TestHubDispatchMatching(t *testing.T) {
	hub := NewHub([]string{"cats", "dogs"}, 4, nil)
	defer hub.Close()

	ev := &Event{Kind: "#commit", Commit: &Commit{Seq: 1}}
	hub.Dispatch(ev, func(name string) bool { return name == "cats" })

	cats, ok := hub.Channel("cats")
	if !ok {
		t.Fatal("cats channel missing")
	}
	select {
	case got := <-cats:
		if got != ev {
			t.Errorf("got %+v", got)
		}
	default:
		t.Fatal("matching channel should have received the event")
	}

	dogs, _ := hub.Channel("dogs")
	select {
	case <-dogs:
		t.Fatal("non-matching channel should be empty")
	default:
	}
}

func TestHubEmptyNamesCatchAll(t *testing.T) {
	hub := NewHub(nil, 4, nil)
	defer hub.Close()

	ev := &Event{Kind: "#info", Info: &Info{Name: "x"}}
	hub.Dispatch(ev, func(string) bool { return false })

	all, ok := hub.Channel("")
	if !ok {
		t.Fatal("catch-all channel missing")
	}
	select {
	case got := <-all:
		if got != ev {
			t.Errorf("got %+v", got)
		}
	default:
		t.Fatal("catch-all channel should receive everything")
	}
}

func TestHubFullChannelDrops(t *testing.T) {
	hub := NewHub([]string{"slow"}, 2, nil)
	defer hub.Close()

	match := func(string) bool { return true }
	for i := int64(1); i <= 5; i++ {
		hub.Dispatch(&Event{Kind: "#commit", Commit: &Commit{Seq: i}}, match)
	}

	ch, _ := hub.Channel("slow")
	var seqs []int64
	for {
		select {
		case ev := <-ch:
			seqs = append(seqs, ev.Commit.Seq)
			continue
		default:
		}
		break
	}
	// Capacity 2 and drop-newest: only the first two survive.
	if len(seqs) != 2 || seqs[0] != 1 || seqs[1] != 2 {
		t.Errorf("surviving seqs = %v, want [1 2]", seqs)
	}
}

func TestHubCloseSignalsReaders(t *testing.T) {
	hub := NewHub([]string{"a"}, 1, nil)
	ch, _ := hub.Channel("a")
	hub.Close()
	hub.Close() // idempotent

	if _, open := <-ch; open {
		t.Error("channel should be closed after Close")
	}
}

func TestHubUnknownChannel(t *testing.T) {
	hub := NewHub([]string{"a"}, 1, nil)
	defer hub.Close()
	if _, ok := hub.Channel("missing"); ok {
		t.Error("unknown name should not resolve")
	}
}
