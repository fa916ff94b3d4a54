package firehose

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/skystream/skystream/internal/metrics"
)

// DefaultHost is the public relay used when no host is configured.
const DefaultHost = "bsky.network"

// NoCursor requests a live-tail subscription with no replay.
const NoCursor int64 = -1

// reconnectDelay is the minimum pause between connection attempts.
const reconnectDelay = time.Second

// Subscriber maintains a com.atproto.sync.subscribeRepos WebSocket
// connection, decoding frames and handing events to a callback. It
// reconnects forever on failure, resuming from the last seen sequence
// number plus one.
type Subscriber struct {
	host    string
	handler func(*Event)
	logger  *slog.Logger

	mutex        sync.RWMutex
	conn         *websocket.Conn
	cursor       int64
	resuming     bool
	lastReceived time.Time

	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// NewSubscriber prepares a subscriber against host (no scheme). cursor is
// the sequence to resume after, or NoCursor for live tailing. handler is
// invoked on the subscriber's goroutine for every decoded event.
func NewSubscriber(host string, cursor int64, handler func(*Event), logger *slog.Logger) *Subscriber {
	if host == "" {
		host = DefaultHost
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Subscriber{
		host:    host,
		cursor:  cursor,
		handler: handler,
		logger:  logger,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Start launches the connection loop. It returns immediately; use Stop to
// tear the subscription down.
func (s *Subscriber) Start() {
	go s.run()
}

// Stop closes the connection and waits for the loop goroutine to exit.
// Safe to call more than once.
func (s *Subscriber) Stop() {
	s.stopOnce.Do(func() {
		close(s.stop)
		s.mutex.Lock()
		if s.conn != nil {
			s.conn.Close()
		}
		s.mutex.Unlock()
		<-s.done
	})
}

// Cursor returns the sequence number of the last event received, or the
// initial cursor when nothing has arrived yet.
func (s *Subscriber) Cursor() int64 {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.cursor
}

// LastReceived reports when the last frame arrived. Zero until the first
// frame of the subscription.
func (s *Subscriber) LastReceived() time.Time {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.lastReceived
}

func (s *Subscriber) run() {
	defer close(s.done)
	for {
		select {
		case <-s.stop:
			return
		default:
		}

		if err := s.connectAndRead(); err != nil {
			select {
			case <-s.stop:
				return
			default:
			}
			s.logger.Warn("firehose connection lost, reconnecting", "host", s.host, "error", err)
		}
		metrics.Reconnects.Inc()
		time.Sleep(reconnectDelay)
	}
}

func (s *Subscriber) dialURL() string {
	u := url.URL{Scheme: "wss", Host: s.host, Path: "/xrpc/com.atproto.sync.subscribeRepos"}
	if strings.Contains(s.host, "://") {
		// Host may carry an explicit scheme, e.g. ws:// for local relays.
		if parsed, err := url.Parse(s.host); err == nil {
			u.Scheme = parsed.Scheme
			u.Host = parsed.Host
		}
	}
	s.mutex.RLock()
	cursor := s.cursor
	resuming := s.resuming
	s.mutex.RUnlock()
	if cursor >= 0 {
		// A fresh start replays from the given sequence; a mid-stream
		// reconnect resumes strictly after what we already processed.
		if resuming {
			cursor++
		}
		u.RawQuery = "cursor=" + strconv.FormatInt(cursor, 10)
	}
	return u.String()
}

func (s *Subscriber) connectAndRead() error {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: 10 * time.Second,
	}
	addr := s.dialURL()
	conn, _, err := dialer.Dial(addr, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}
	s.mutex.Lock()
	s.conn = conn
	s.mutex.Unlock()
	s.logger.Info("firehose connected", "url", addr)

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			conn.Close()
			return fmt.Errorf("read: %w", err)
		}
		if msgType != websocket.BinaryMessage {
			continue
		}
		s.handleFrame(data)
	}
}

func (s *Subscriber) handleFrame(data []byte) {
	metrics.FramesReceived.Inc()
	s.mutex.Lock()
	s.lastReceived = time.Now()
	s.mutex.Unlock()

	ev, err := DecodeFrame(data, s.logger)
	if err != nil {
		switch {
		case errors.Is(err, ErrUnknownVariant):
			metrics.FramesSkipped.WithLabelValues("unknown_variant").Inc()
		case errors.Is(err, ErrErrorFrame):
			metrics.FramesSkipped.WithLabelValues("error_frame").Inc()
			s.mutex.Lock()
			s.cursor = NoCursor
			s.resuming = false
			s.mutex.Unlock()
		default:
			metrics.FramesSkipped.WithLabelValues("malformed").Inc()
			s.logger.Warn("frame decode failed", "error", err)
		}
		return
	}

	if ev.Info != nil && ev.Info.Name == InfoOutdatedCursor {
		s.logger.Warn("cursor outside relay replay window, tailing live", "message", ev.Info.Message)
		s.mutex.Lock()
		s.cursor = NoCursor
		s.resuming = false
		s.mutex.Unlock()
	}
	if seq, ok := ev.Seq(); ok {
		s.mutex.Lock()
		s.cursor = seq
		s.resuming = true
		s.mutex.Unlock()
	}

	if s.handler != nil {
		s.handler(ev)
	}
}
