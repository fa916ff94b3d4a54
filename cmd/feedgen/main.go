// Command feedgen runs a keyword feed generator: posts containing the
// configured keyword are indexed and served as a custom feed.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	skystream "github.com/skystream/skystream"
	"github.com/skystream/skystream/aturi"
	"github.com/skystream/skystream/feedgen"
	"github.com/skystream/skystream/firehose"
	"github.com/skystream/skystream/internal/config"
	"github.com/skystream/skystream/internal/metrics"
	"github.com/skystream/skystream/records"
)

// keyWord indexes every post whose text contains a keyword and serves
// them newest first. The index survives restarts via feed.json in the
// storage directory.
type keyWord struct {
	posts     *feedgen.FeedPosts
	name      string
	publisher string
	keyword   string
	storage   string
	logger    *slog.Logger
}

func newKeyWord(name, publisher, keyword, storage string, logger *slog.Logger) *keyWord {
	var initial []feedgen.FeedPost
	if data, err := os.ReadFile(feedFilename(storage)); err == nil {
		if err := json.Unmarshal(data, &initial); err != nil {
			logger.Warn("feed store unreadable, starting empty", "error", err)
			initial = nil
		}
	}
	return &keyWord{
		posts:     feedgen.NewFeedPosts(initial),
		name:      name,
		publisher: publisher,
		keyword:   keyword,
		storage:   storage,
		logger:    logger,
	}
}

func feedFilename(storage string) string {
	return filepath.Join(storage, "feed.json")
}

func (k *keyWord) Name() string      { return k.name }
func (k *keyWord) Publisher() string { return k.publisher }

func (k *keyWord) Handle(limit int, cursor, accessDid, jwt string) feedgen.Skeleton {
	if limit < 0 {
		limit = 50
	}
	var parsed *feedgen.Cursor
	if c, ok := feedgen.ParseCursor(cursor); ok {
		parsed = &c
	}
	return k.posts.Page(limit, parsed)
}

func (k *keyWord) HandleCommits(commits []*firehose.Commit) {
	var newPosts []feedgen.FeedPost
	var deleted []string
	for _, commit := range commits {
		for _, p := range commit.Posts() {
			if strings.Contains(p.Post.Text, k.keyword) {
				uri := aturi.New(commit.Repo, "/"+p.Path, "", "").String()
				newPosts = append(newPosts, feedgen.NewFeedPost(uri, p.Cid, commit.Repo, p.Post))
			}
		}
		for _, op := range commit.Ops {
			if op.Action == "delete" && strings.HasPrefix(op.Path, records.TypePost) {
				deleted = append(deleted, aturi.New(commit.Repo, "/"+op.Path, "", "").String())
			}
		}
	}
	if len(deleted) > 0 {
		k.logger.Info("deleting posts", "count", len(deleted))
		k.posts.Delete(deleted)
	}
	if len(newPosts) > 0 {
		k.logger.Info("indexing posts", "count", len(newPosts))
		k.posts.Append(newPosts)
		metrics.PostsIndexed.Add(float64(len(newPosts)))
	}
	if len(newPosts) == 0 && len(deleted) == 0 {
		return
	}
	data, err := json.Marshal(k.posts.All())
	if err != nil {
		k.logger.Warn("feed store encode failed", "error", err)
		return
	}
	if err := os.WriteFile(feedFilename(k.storage), data, 0o644); err != nil {
		k.logger.Warn("feed store write failed", "error", err)
	}
}

func newLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	logger := newLogger(cfg.Logging)
	slog.SetDefault(logger)

	hostname := envOr("FEEDGEN_HOSTNAME", cfg.Feedgen.Hostname)
	publisher := envOr("FEEDGEN_PUBLISHER", "did:web:"+hostname)
	keyword := envOr("FEEDGEN_KEYWORD", "")
	storage := envOr("FEEDGEN_STORAGE_PATH", ".")
	feedName := envOr("FEEDGEN_FEED_NAME", "keyword")
	if keyword == "" {
		fmt.Fprintln(os.Stderr, "FEEDGEN_KEYWORD must be set")
		os.Exit(1)
	}

	client := skystream.New(
		skystream.WithHost(cfg.PDS.Host),
		skystream.WithFirehoseHost(cfg.Firehose.Host),
		skystream.WithFiltersPath(cfg.Firehose.FiltersPath),
		skystream.WithWatchdogTimeout(cfg.Firehose.WatchdogTimeout),
		skystream.WithChannelCapacity(cfg.Firehose.ChannelCapacity),
		skystream.WithLogger(logger),
	)
	if err := client.LoginFromEnv(); err != nil {
		logger.Warn("login failed, continuing anonymously", "error", err)
	}

	algo := newKeyWord(feedName, publisher, keyword, storage, logger)
	generator := feedgen.NewGenerator(hostname,
		feedgen.WithAddr(cfg.Feedgen.Addr),
		feedgen.WithWorkers(cfg.Feedgen.Workers),
		feedgen.WithClient(client),
		feedgen.WithGeneratorLogger(logger),
	)
	generator.AddAlgorithm(algo)
	generator.SetSubscription(algo)
	if err := generator.Start(); err != nil {
		logger.Error("feed generator start failed", "error", err)
		os.Exit(1)
	}
	logger.Info("feed generator running",
		"hostname", hostname, "addr", cfg.Feedgen.Addr, "feed", feedName, "keyword", keyword)

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	<-sigs
	logger.Info("shutting down")
	generator.Stop()
}
