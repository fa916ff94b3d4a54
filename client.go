// Package skystream is a Bluesky client library: an authenticated XRPC
// surface, a filtered view over the repo firehose, and the building
// blocks for feed generators.
package skystream

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/skystream/skystream/filter"
	"github.com/skystream/skystream/firehose"
	"github.com/skystream/skystream/internal/metrics"
	"github.com/skystream/skystream/records"
	"github.com/skystream/skystream/xrpc"
)

// ErrNotLoggedIn is returned by operations that write to the user's
// repository before Login succeeded.
var ErrNotLoggedIn = errors.New("skystream: not logged in")

// DefaultWatchdogTimeout is how long the stream may stay silent before
// the subscription is restarted.
const DefaultWatchdogTimeout = 60 * time.Second

// pollInterval is the sleep inserted when a non-blocking receive finds
// nothing pending.
const pollInterval = 10 * time.Millisecond

// FilteredEvent pairs an event with the filter that matched it.
type FilteredEvent struct {
	Filter string
	Event  *firehose.Event
}

// Client bundles the XRPC client, the filter ruleset, and the firehose
// subscription into one stateful handle. Safe for concurrent use.
type Client struct {
	XRPC *xrpc.Client

	logger       *slog.Logger
	firehoseHost string
	filtersPath  string
	timeout      time.Duration
	chanCap      int

	mutex       sync.RWMutex
	repoDid     string
	repoCache   map[string]*xrpc.Repo
	handleCache map[string]string
	filters     *filter.Set
	sub         *firehose.Subscriber
	hub         *firehose.Hub
}

// Option configures a Client.
type Option func(*Client)

// WithHost sets the PDS host for XRPC calls.
func WithHost(host string) Option {
	return func(c *Client) { c.XRPC = xrpc.NewClient(host) }
}

// WithFirehoseHost sets the relay host for the firehose subscription.
func WithFirehoseHost(host string) Option {
	return func(c *Client) { c.firehoseHost = host }
}

// WithFiltersPath overrides where the ruleset is loaded from and saved to.
func WithFiltersPath(path string) Option {
	return func(c *Client) { c.filtersPath = path }
}

// WithWatchdogTimeout overrides the stale-stream timeout.
func WithWatchdogTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// WithChannelCapacity bounds each per-filter channel.
func WithChannelCapacity(n int) Option {
	return func(c *Client) { c.chanCap = n }
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// New builds a client. The ruleset is loaded from the filters file (or
// defaults), handles are resolved to DIDs, and the resolved set is saved
// back. No network subscription is started until ConnectWS.
func New(opts ...Option) *Client {
	c := &Client{
		XRPC:         xrpc.NewClient(""),
		logger:       slog.Default(),
		firehoseHost: firehose.DefaultHost,
		filtersPath:  filter.DefaultPath,
		timeout:      DefaultWatchdogTimeout,
		repoCache:    make(map[string]*xrpc.Repo),
		handleCache:  make(map[string]string),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.filters = filter.Load(c.filtersPath)
	c.filters.Init(c.GetHandle)
	c.saveFilters()
	return c
}

func (c *Client) saveFilters() {
	// Marshaling walks the live filter structs, so it happens under the
	// same lock that guards mutations.
	c.mutex.RLock()
	err := c.filters.Save(c.filtersPath)
	c.mutex.RUnlock()
	if err != nil {
		c.logger.Warn("filter save failed", "path", c.filtersPath, "error", err)
	}
}

// Login authenticates against the PDS and remembers the account's DID for
// subsequent repo writes. BSKY_ID and BSKY_PW hold the usual credentials.
func (c *Client) Login(id, pw string) error {
	session, err := c.XRPC.CreateSession(id, pw)
	if err != nil {
		return fmt.Errorf("login: %w", err)
	}
	c.mutex.Lock()
	c.repoDid = session.Did
	c.mutex.Unlock()
	return nil
}

// LoginFromEnv logs in with the BSKY_ID and BSKY_PW environment
// variables. Missing credentials are not an error; the client stays
// anonymous.
func (c *Client) LoginFromEnv() error {
	id, pw := os.Getenv("BSKY_ID"), os.Getenv("BSKY_PW")
	if id == "" || pw == "" {
		return nil
	}
	return c.Login(id, pw)
}

// Post publishes a text post to the logged-in account's repository.
func (c *Client) Post(text string) error {
	c.mutex.RLock()
	repo := c.repoDid
	c.mutex.RUnlock()
	if repo == "" {
		return ErrNotLoggedIn
	}
	post := records.Post{
		Text:      text,
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
	}
	_, err := c.XRPC.CreateRecord(repo, records.TypePost, postRecord(post))
	return err
}

// PostImage publishes a post with one attached image read from path.
func (c *Client) PostImage(text, path, contentType string) error {
	c.mutex.RLock()
	repo := c.repoDid
	c.mutex.RUnlock()
	if repo == "" {
		return ErrNotLoggedIn
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read image: %w", err)
	}
	blob, err := c.XRPC.UploadBlob(data, contentType)
	if err != nil {
		return fmt.Errorf("upload image: %w", err)
	}
	post := records.Post{
		Text:      text,
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
		Embed: &records.Embed{
			Type:   "app.bsky.embed.images",
			Images: []records.EmbedImage{{Alt: text, Image: *blob}},
		},
	}
	_, err = c.XRPC.CreateRecord(repo, records.TypePost, postRecord(post))
	return err
}

// postRecord attaches the $type discriminator createRecord requires.
func postRecord(p records.Post) map[string]any {
	out := map[string]any{
		"$type":     records.TypePost,
		"text":      p.Text,
		"createdAt": p.CreatedAt,
	}
	if p.Embed != nil {
		out["embed"] = p.Embed
	}
	if len(p.Langs) > 0 {
		out["langs"] = p.Langs
	}
	return out
}

// GetRepo returns repository information for a DID, cached for the life
// of the client.
func (c *Client) GetRepo(did string) (*xrpc.Repo, error) {
	c.mutex.RLock()
	cached, ok := c.repoCache[did]
	c.mutex.RUnlock()
	if ok {
		return cached, nil
	}
	repo, err := c.XRPC.DescribeRepo(did)
	if err != nil {
		return nil, err
	}
	c.mutex.Lock()
	c.repoCache[did] = repo
	c.mutex.Unlock()
	return repo, nil
}

// GetHandle resolves a handle to its DID, cached for the life of the
// client.
func (c *Client) GetHandle(handle string) (string, error) {
	c.mutex.RLock()
	cached, ok := c.handleCache[handle]
	c.mutex.RUnlock()
	if ok {
		return cached, nil
	}
	did, err := c.XRPC.ResolveHandle(handle)
	if err != nil {
		return "", err
	}
	c.mutex.Lock()
	c.handleCache[handle] = did
	c.mutex.Unlock()
	return did, nil
}

// FilterNames lists the current ruleset's filter names.
func (c *Client) FilterNames() []string {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return c.filters.Names()
}

// ConnectWS starts (or restarts) the firehose subscription. Each filter
// gets its own bounded channel; events matching a filter are fanned out
// to it. Restarting resumes from the previous subscription's cursor and
// closes the previous generation's channels, so readers rebind.
func (c *Client) ConnectWS() {
	c.connectWS(firehose.NoCursor)
}

func (c *Client) connectWS(cursor int64) {
	c.mutex.Lock()
	oldSub, oldHub := c.sub, c.hub
	if oldSub != nil && cursor == firehose.NoCursor {
		cursor = oldSub.Cursor()
	}
	hub := firehose.NewHub(c.filters.Names(), c.chanCap, c.logger)
	sub := firehose.NewSubscriber(c.firehoseHost, cursor, func(ev *firehose.Event) {
		// Hold the lock across evaluation: filters are mutated in place
		// by Subscribe*/AddTimeline. Dispatch never blocks, so the
		// critical section stays short.
		c.mutex.RLock()
		defer c.mutex.RUnlock()
		set := c.filters
		hub.Dispatch(ev, func(name string) bool {
			f, ok := set.Get(name)
			return ok && f.Matches(ev)
		})
	}, c.logger)
	c.sub, c.hub = sub, hub
	c.mutex.Unlock()

	if oldSub != nil {
		oldSub.Stop()
	}
	if oldHub != nil {
		oldHub.Close()
	}
	sub.Start()
}

// Stop tears down the subscription and closes all filter channels.
func (c *Client) Stop() {
	c.mutex.Lock()
	sub, hub := c.sub, c.hub
	c.sub, c.hub = nil, nil
	c.mutex.Unlock()
	if sub != nil {
		sub.Stop()
	}
	if hub != nil {
		hub.Close()
	}
}

// checkWatchdog restarts the subscription when the stream has been silent
// longer than the configured timeout. It never fires before the first
// frame of a fresh subscription.
func (c *Client) checkWatchdog() bool {
	c.mutex.RLock()
	sub := c.sub
	c.mutex.RUnlock()
	if sub == nil {
		return false
	}
	last := sub.LastReceived()
	if last.IsZero() || time.Since(last) <= c.timeout {
		return false
	}
	c.logger.Warn("firehose silent past deadline, restarting subscription",
		"timeout", c.timeout, "last_received", last)
	metrics.WatchdogRestarts.Inc()
	c.connectWS(sub.Cursor())
	return true
}

// NextEventFiltered returns the next pending event for the named filter,
// or nil when nothing is queued. It never blocks; the stale watchdog is
// polled on every call.
func (c *Client) NextEventFiltered(name string) (*firehose.Event, error) {
	c.mutex.RLock()
	hub := c.hub
	c.mutex.RUnlock()
	if hub == nil {
		return nil, errors.New("skystream: not connected")
	}
	ch, ok := hub.Channel(name)
	if !ok {
		return nil, fmt.Errorf("%w: %q", filter.ErrUnknownFilter, name)
	}
	var ev *firehose.Event
	select {
	case ev = <-ch:
	default:
	}
	if !c.checkWatchdog() && ev == nil {
		time.Sleep(pollInterval)
	}
	return ev, nil
}

// NextEventFilteredAll drains every filter channel and returns the
// pending events paired with their filter names.
func (c *Client) NextEventFilteredAll() ([]FilteredEvent, error) {
	c.mutex.RLock()
	hub := c.hub
	c.mutex.RUnlock()
	if hub == nil {
		return nil, errors.New("skystream: not connected")
	}
	var out []FilteredEvent
	for _, name := range hub.Names() {
		ch, _ := hub.Channel(name)
		draining := true
		for draining {
			select {
			case ev, open := <-ch:
				if !open || ev == nil {
					draining = false
					break
				}
				out = append(out, FilteredEvent{Filter: name, Event: ev})
			default:
				draining = false
			}
		}
	}
	if !c.checkWatchdog() && len(out) == 0 {
		time.Sleep(pollInterval)
	}
	return out, nil
}

// NextEvent returns the next pending event from the unnamed catch-all
// channel. Only meaningful when the ruleset is empty.
func (c *Client) NextEvent() (*firehose.Event, error) {
	return c.NextEventFiltered("")
}

// SubscribeRepo adds a DID to the named filter, persists the ruleset, and
// rotates the subscription.
func (c *Client) SubscribeRepo(name, did string) error {
	c.mutex.Lock()
	err := c.filters.SubscribeRepo(name, did)
	c.mutex.Unlock()
	if err != nil {
		return err
	}
	c.saveFilters()
	c.rotateIfConnected()
	return nil
}

// UnsubscribeRepo removes a DID from the named filter.
func (c *Client) UnsubscribeRepo(name, did string) error {
	c.mutex.Lock()
	err := c.filters.UnsubscribeRepo(name, did)
	c.mutex.Unlock()
	if err != nil {
		return err
	}
	c.saveFilters()
	c.rotateIfConnected()
	return nil
}

// SubscribeHandle adds a handle to the named filter, resolving it to a
// DID so matching takes effect immediately.
func (c *Client) SubscribeHandle(name, handle string) error {
	c.mutex.Lock()
	err := c.filters.SubscribeHandle(name, handle)
	c.mutex.Unlock()
	if err != nil {
		return err
	}
	// Resolve outside the lock (network call), union the DID in under it.
	if did, err := c.GetHandle(handle); err == nil {
		c.mutex.Lock()
		if f, ok := c.filters.Get(name); ok {
			f.Init(func(h string) (string, error) {
				if h != handle {
					return "", errDeferredResolve
				}
				return did, nil
			})
		}
		c.mutex.Unlock()
	}
	c.saveFilters()
	c.rotateIfConnected()
	return nil
}

// errDeferredResolve marks handles left for the next load-time resolution.
var errDeferredResolve = errors.New("skystream: handle resolution deferred")

// UnsubscribeHandle removes a handle from the named filter along with its
// resolved DID.
func (c *Client) UnsubscribeHandle(name, handle string) error {
	c.mutex.Lock()
	err := c.filters.UnsubscribeHandle(name, handle)
	c.mutex.Unlock()
	if err != nil {
		return err
	}
	if did, err := c.GetHandle(handle); err == nil {
		c.mutex.Lock()
		c.filters.UnsubscribeRepo(name, did)
		c.mutex.Unlock()
	}
	c.saveFilters()
	c.rotateIfConnected()
	return nil
}

// AddTimeline fetches the follow graph for handle and installs a filter
// named after the handle that subscribes to every followee. Idempotent by
// name.
func (c *Client) AddTimeline(handle string) error {
	dids, err := c.XRPC.GetAllFollows(handle)
	if err != nil {
		return fmt.Errorf("fetch follows for %s: %w", handle, err)
	}
	c.mutex.Lock()
	c.filters.AddTimeline(handle, dids)
	c.mutex.Unlock()
	c.saveFilters()
	c.rotateIfConnected()
	return nil
}

// RemoveTimeline deletes the timeline filter named after handle.
func (c *Client) RemoveTimeline(handle string) {
	c.mutex.Lock()
	c.filters.RemoveTimeline(handle)
	c.mutex.Unlock()
	c.saveFilters()
	c.rotateIfConnected()
}

func (c *Client) rotateIfConnected() {
	c.mutex.RLock()
	connected := c.sub != nil
	c.mutex.RUnlock()
	if connected {
		c.connectWS(firehose.NoCursor)
	}
}
