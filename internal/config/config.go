// Package config loads the run-coordination core's configuration from
// environment variables into a flat Config struct, rather than from a
// file-based config format.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// VersionType mirrors indexer.VersionType without importing the
// indexer package, so config stays a leaf dependency.
type VersionType string

// Config holds the run-coordination core's options plus its ambient
// wiring: broker, offset store, dead-letter archiver, control surface.
type Config struct {
	RunnerConnectorTimeout time.Duration
	RunnerListenAddr       string
	ControlTokenSecret     string

	WorkerThreads       int
	WorkerQueueCapacity int

	IndexerBatchSize    int
	IndexerBatchTimeout time.Duration

	IndexerIDOverrideField string
	IndexerRoutingField    string
	IndexerVersionType     VersionType

	IndexerDeletionMarkerField      string
	IndexerDeletionMarkerFieldValue string
	IndexerDeleteByFieldField       string
	IndexerDeleteByFieldValue       string

	IndexerIgnoreFields []string

	BrokerBrokers   []string
	BrokerDedupDelay time.Duration

	OffsetDSN string

	DeadLetterS3Bucket string
	DeadLetterS3Prefix string
}

const (
	defaultConnectorTimeout = 86400 * time.Second // 24h
	defaultListenAddr       = ":8090"
	defaultWorkerThreads    = 1
	defaultBatchSize        = 100
	defaultBatchTimeout     = 5 * time.Second
	defaultDedupDelay       = 5 * time.Minute
)

// Load reads every recognized PIPELINE_* environment variable and
// applies a default for anything unset. It never returns an error:
// malformed numeric/duration values fall back to their default rather
// than aborting process startup.
func Load() Config {
	return Config{
		RunnerConnectorTimeout: getDurationMS("PIPELINE_RUNNER_CONNECTOR_TIMEOUT_MS", defaultConnectorTimeout),
		RunnerListenAddr:       getString("PIPELINE_RUNNER_LISTEN_ADDR", defaultListenAddr),
		ControlTokenSecret:     os.Getenv("PIPELINE_CONTROL_TOKEN_SECRET"),

		WorkerThreads:       getInt("PIPELINE_WORKER_THREADS", defaultWorkerThreads),
		WorkerQueueCapacity: getInt("PIPELINE_WORKER_QUEUE_CAPACITY", 0),

		IndexerBatchSize:    getInt("PIPELINE_INDEXER_BATCH_SIZE", defaultBatchSize),
		IndexerBatchTimeout: getDurationMS("PIPELINE_INDEXER_BATCH_TIMEOUT_MS", defaultBatchTimeout),

		IndexerIDOverrideField: os.Getenv("PIPELINE_INDEXER_ID_OVERRIDE_FIELD"),
		IndexerRoutingField:    os.Getenv("PIPELINE_INDEXER_ROUTING_FIELD"),
		IndexerVersionType:     VersionType(getString("PIPELINE_INDEXER_VERSION_TYPE", "Internal")),

		IndexerDeletionMarkerField:      os.Getenv("PIPELINE_INDEXER_DELETION_MARKER_FIELD"),
		IndexerDeletionMarkerFieldValue: os.Getenv("PIPELINE_INDEXER_DELETION_MARKER_VALUE"),
		IndexerDeleteByFieldField:       os.Getenv("PIPELINE_INDEXER_DELETE_BY_FIELD_FIELD"),
		IndexerDeleteByFieldValue:       os.Getenv("PIPELINE_INDEXER_DELETE_BY_FIELD_VALUE"),

		IndexerIgnoreFields: getList("PIPELINE_INDEXER_IGNORE_FIELDS"),

		BrokerBrokers:    getList("PIPELINE_BROKER_BROKERS"),
		BrokerDedupDelay: getDurationMS("PIPELINE_BROKER_DEDUP_DELAY_MS", defaultDedupDelay),

		OffsetDSN: os.Getenv("PIPELINE_OFFSET_DSN"),

		DeadLetterS3Bucket: os.Getenv("PIPELINE_DEADLETTER_S3_BUCKET"),
		DeadLetterS3Prefix: os.Getenv("PIPELINE_DEADLETTER_S3_PREFIX"),
	}
}

func getString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getDurationMS(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return time.Duration(n) * time.Millisecond
		}
	}
	return fallback
}

func getList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
