// Command skystream tails the Bluesky firehose through the configured
// filter ruleset and prints matching posts to stdout.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	skystream "github.com/skystream/skystream"
	"github.com/skystream/skystream/internal/config"
)

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

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	metricsAddr := flag.String("metrics", "", "serve Prometheus metrics on this address (e.g. :9090)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	logger := newLogger(cfg.Logging)
	slog.SetDefault(logger)

	if *metricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(*metricsAddr, mux); err != nil {
				logger.Warn("metrics server exited", "error", err)
			}
		}()
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
	client.ConnectWS()
	defer client.Stop()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("tailing firehose", "host", cfg.Firehose.Host, "filters", client.FilterNames())
	for {
		select {
		case <-sigs:
			logger.Info("shutting down")
			return
		default:
		}
		events, err := client.NextEventFilteredAll()
		if err != nil {
			logger.Error("subscription failed", "error", err)
			os.Exit(1)
		}
		for _, fe := range events {
			printEvent(client, fe)
		}
	}
}

// printEvent writes one line per post: filter, relay time, author, text,
// and any attached blob URLs.
func printEvent(client *skystream.Client, fe skystream.FilteredEvent) {
	commit := fe.Event.Commit
	if commit == nil {
		return
	}
	texts := commit.PostTexts()
	if len(texts) == 0 {
		return
	}
	name := commit.Repo
	if repo, err := client.GetRepo(commit.Repo); err == nil {
		name = repo.Handle
	}
	line := fmt.Sprintf("%s : %s : %s : %s",
		fe.Filter,
		commit.Time.Local().Format("15:04:05"),
		name,
		strings.ReplaceAll(strings.Join(texts, " "), "\n", " "))
	if len(commit.Blobs) > 0 {
		urls := make([]string, 0, len(commit.Blobs))
		for _, b := range commit.Blobs {
			urls = append(urls, b.URL())
		}
		line += " : " + strings.Join(urls, ",")
	}
	fmt.Println(line)
}
