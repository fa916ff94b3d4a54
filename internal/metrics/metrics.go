package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	FramesReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "skystream_frames_received_total",
		Help: "Total number of firehose frames received",
	})
	FramesSkipped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "skystream_frames_skipped_total",
		Help: "Total number of frames skipped during decode",
	}, []string{"reason"})
	EventsDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "skystream_events_dropped_total",
		Help: "Total number of events dropped on full filter channels",
	}, []string{"filter"})
	Reconnects = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "skystream_reconnects_total",
		Help: "Total number of firehose reconnect attempts",
	})
	WatchdogRestarts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "skystream_watchdog_restarts_total",
		Help: "Total number of subscriptions restarted by the stale watchdog",
	})
	PostsIndexed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "skystream_posts_indexed_total",
		Help: "Total number of posts appended to the feed store",
	})
	SkeletonRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "skystream_skeleton_requests_total",
		Help: "Total number of getFeedSkeleton requests served",
	}, []string{"feed", "status"})
)

func init() {
	prometheus.MustRegister(
		FramesReceived,
		FramesSkipped,
		EventsDropped,
		Reconnects,
		WatchdogRestarts,
		PostsIndexed,
		SkeletonRequests,
	)
}
