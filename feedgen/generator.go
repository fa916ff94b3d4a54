package feedgen

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	skystream "github.com/skystream/skystream"
	"github.com/skystream/skystream/aturi"
	"github.com/skystream/skystream/firehose"
	"github.com/skystream/skystream/internal/metrics"
)

// generatorCollection is the record collection feed URIs must point at.
const generatorCollection = "app.bsky.feed.generator"

// Algorithm produces feed skeletons for one (publisher, name) pair.
// accessDid and jwt are advisory caller identity extracted from the
// Authorization header without verification; either may be empty.
type Algorithm interface {
	Name() string
	Publisher() string
	Handle(limit int, cursor, accessDid, jwt string) Skeleton
}

// Subscription receives every commit the service ingests from the
// firehose, in poll batches.
type Subscription interface {
	HandleCommits(commits []*firehose.Commit)
}

type service struct {
	Id              string `json:"id"`
	Type            string `json:"type"`
	ServiceEndpoint string `json:"serviceEndpoint"`
}

type didDocument struct {
	Context []string  `json:"@context"`
	Id      string    `json:"id"`
	Service []service `json:"service"`
}

type describeFeed struct {
	Uri string `json:"uri"`
}

type describeResponse struct {
	Did   string         `json:"did"`
	Feeds []describeFeed `json:"feeds"`
}

// Generator serves the feed generator HTTP surface and feeds ingested
// commits to the registered subscription.
type Generator struct {
	hostname string
	addr     string
	workers  int
	logger   *slog.Logger
	client   *skystream.Client

	mutex        sync.RWMutex
	algorithms   []Algorithm
	subscription Subscription

	server   *http.Server
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// GeneratorOption configures a Generator.
type GeneratorOption func(*Generator)

// WithAddr sets the listen address (default ":8000").
func WithAddr(addr string) GeneratorOption {
	return func(g *Generator) { g.addr = addr }
}

// WithWorkers bounds concurrent skeleton dispatches.
func WithWorkers(n int) GeneratorOption {
	return func(g *Generator) { g.workers = n }
}

// WithClient supplies the firehose client used for ingestion. When
// absent, Start builds a default one.
func WithClient(c *skystream.Client) GeneratorOption {
	return func(g *Generator) { g.client = c }
}

// WithGeneratorLogger sets the structured logger.
func WithGeneratorLogger(logger *slog.Logger) GeneratorOption {
	return func(g *Generator) { g.logger = logger }
}

// NewGenerator builds a feed generator service identified as
// did:web:<hostname>.
func NewGenerator(hostname string, opts ...GeneratorOption) *Generator {
	g := &Generator{
		hostname: hostname,
		addr:     ":8000",
		workers:  4,
		logger:   slog.Default(),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func (g *Generator) serviceDid() string {
	return "did:web:" + g.hostname
}

// AddAlgorithm registers a, replacing any existing algorithm with the
// same (publisher, name).
func (g *Generator) AddAlgorithm(a Algorithm) {
	g.mutex.Lock()
	defer g.mutex.Unlock()
	g.algorithms = removeAlgorithm(g.algorithms, a)
	g.algorithms = append(g.algorithms, a)
}

// RemoveAlgorithm unregisters the algorithm with a's (publisher, name).
func (g *Generator) RemoveAlgorithm(a Algorithm) {
	g.mutex.Lock()
	defer g.mutex.Unlock()
	g.algorithms = removeAlgorithm(g.algorithms, a)
}

func removeAlgorithm(algorithms []Algorithm, a Algorithm) []Algorithm {
	out := algorithms[:0]
	for _, existing := range algorithms {
		if existing.Publisher() != a.Publisher() || existing.Name() != a.Name() {
			out = append(out, existing)
		}
	}
	return out
}

// SetSubscription installs the single consumer of ingested commits.
func (g *Generator) SetSubscription(s Subscription) {
	g.mutex.Lock()
	defer g.mutex.Unlock()
	g.subscription = s
}

func (g *Generator) findAlgorithm(feedUri string) Algorithm {
	feed, ok := aturi.Parse(feedUri)
	if !ok || feed.Collection() != generatorCollection || feed.Rkey() == "" {
		return nil
	}
	g.mutex.RLock()
	defer g.mutex.RUnlock()
	for _, a := range g.algorithms {
		if a.Publisher() == feed.Host && a.Name() == feed.Rkey() {
			return a
		}
	}
	return nil
}

// Start connects the firehose client and serves HTTP until Stop. It
// returns once the listener is launched; serve and ingestion loops run
// under a supervisor that restarts them if they exit unexpectedly.
func (g *Generator) Start() error {
	if g.client == nil {
		g.client = skystream.New(skystream.WithLogger(g.logger))
	}
	g.client.ConnectWS()

	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/did.json", g.handleDidDocument)
	mux.HandleFunc("/xrpc/app.bsky.feed.describeFeedGenerator", g.handleDescribe)
	mux.HandleFunc("/xrpc/app.bsky.feed.getFeedSkeleton", g.handleSkeleton)

	g.server = &http.Server{
		Addr:    g.addr,
		Handler: g.limitConcurrency(g.recoverPanics(mux)),
	}

	go g.supervise()
	return nil
}

// Stop shuts the HTTP server down, stops ingestion, and waits for the
// supervisor to exit.
func (g *Generator) Stop() {
	g.stopOnce.Do(func() {
		close(g.stop)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		g.server.Shutdown(ctx)
		g.client.Stop()
		<-g.done
	})
}

// supervise runs the serve and ingestion loops, restarting either when
// it returns while the service should still be up.
func (g *Generator) supervise() {
	defer close(g.done)

	serveExited := make(chan error, 1)
	launchServe := func() {
		go func() {
			serveExited <- g.server.ListenAndServe()
		}()
	}
	launchServe()

	ingestExited := make(chan struct{}, 1)
	launchIngest := func() {
		go func() {
			g.ingest()
			ingestExited <- struct{}{}
		}()
	}
	launchIngest()

	for {
		select {
		case <-g.stop:
			return
		case err := <-serveExited:
			select {
			case <-g.stop:
				return
			default:
			}
			g.logger.Warn("http server exited, restarting", "error", err)
			time.Sleep(time.Second)
			launchServe()
		case <-ingestExited:
			select {
			case <-g.stop:
				return
			default:
			}
			g.logger.Warn("ingestion loop exited, restarting")
			time.Sleep(time.Second)
			launchIngest()
		}
	}
}

// ingest polls the firehose client and hands commit batches to the
// subscription.
func (g *Generator) ingest() {
	defer func() {
		if r := recover(); r != nil {
			g.logger.Error("ingestion panic", "panic", r)
		}
	}()
	for {
		select {
		case <-g.stop:
			return
		default:
		}
		events, err := g.client.NextEventFilteredAll()
		if err != nil {
			g.logger.Warn("ingestion poll failed", "error", err)
			return
		}
		var commits []*firehose.Commit
		for _, fe := range events {
			if fe.Event.Commit != nil {
				commits = append(commits, fe.Event.Commit)
			}
		}
		if len(commits) == 0 {
			continue
		}
		g.mutex.RLock()
		sub := g.subscription
		g.mutex.RUnlock()
		if sub != nil {
			sub.HandleCommits(commits)
		}
	}
}

// limitConcurrency caps in-flight request dispatches at the worker count.
func (g *Generator) limitConcurrency(next http.Handler) http.Handler {
	permits := make(chan struct{}, g.workers)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		permits <- struct{}{}
		defer func() { <-permits }()
		next.ServeHTTP(w, r)
	})
}

func (g *Generator) recoverPanics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				g.logger.Error("request handler panic", "path", r.URL.Path, "panic", rec)
				writeError(w, http.StatusInternalServerError, fmt.Sprint(rec))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

func (g *Generator) handleDidDocument(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, didDocument{
		Context: []string{"https://www.w3.org/ns/did/v1"},
		Id:      g.serviceDid(),
		Service: []service{{
			Id:              "#bsky_fg",
			Type:            "BskyFeedGenerator",
			ServiceEndpoint: "https://" + g.hostname,
		}},
	})
}

func (g *Generator) handleDescribe(w http.ResponseWriter, r *http.Request) {
	g.mutex.RLock()
	feeds := make([]describeFeed, 0, len(g.algorithms))
	for _, a := range g.algorithms {
		uri := aturi.New(a.Publisher(), "/"+generatorCollection+"/"+a.Name(), "", "")
		feeds = append(feeds, describeFeed{Uri: uri.String()})
	}
	g.mutex.RUnlock()
	writeJSON(w, http.StatusOK, describeResponse{Did: g.serviceDid(), Feeds: feeds})
}

func (g *Generator) handleSkeleton(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	feed := query.Get("feed")
	algo := g.findAlgorithm(feed)
	if algo == nil {
		metrics.SkeletonRequests.WithLabelValues(feed, "404").Inc()
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte("NG"))
		return
	}

	limit := -1
	if raw := query.Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			metrics.SkeletonRequests.WithLabelValues(feed, "400").Inc()
			writeError(w, http.StatusBadRequest, "invalid limit: "+raw)
			return
		}
		limit = parsed
	}

	jwt := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	accessDid := jwtIssuer(jwt)

	skeleton := algo.Handle(limit, query.Get("cursor"), accessDid, jwt)
	metrics.SkeletonRequests.WithLabelValues(feed, "200").Inc()
	writeJSON(w, http.StatusOK, skeleton)
}

// jwtIssuer pulls iss out of a JWT payload without verifying anything;
// the result is advisory caller identity only.
func jwtIssuer(jwt string) string {
	parts := strings.Split(jwt, ".")
	if len(parts) != 3 {
		return ""
	}
	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return ""
	}
	var claims struct {
		Iss string `json:"iss"`
	}
	if err := json.Unmarshal(payload, &claims); err != nil {
		return ""
	}
	return claims.Iss
}
