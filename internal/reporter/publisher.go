package reporter

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/redis/go-redis/v9"
)

// machineIDPattern keeps stream field values and store keys printable.
var machineIDPattern = regexp.MustCompile(`^[a-zA-Z0-9._-]{1,64}$`)

// DefaultMaxLen bounds the stream; trimming is approximate.
const DefaultMaxLen = 100000

// PublisherConfig holds configuration for the stream publisher.
type PublisherConfig struct {
	RedisURL      string
	RedisPassword string
	Stream        string        // default: "machine:logs:stream"
	Interval      time.Duration // default: 30s
	MaxLen        int64         // default: DefaultMaxLen

	LogFn func(level, msg string)
}

// Publisher samples the host every interval and appends the entry to the
// telemetry stream.
type Publisher struct {
	client    *redis.Client
	collector *Collector
	stream    string
	interval  time.Duration
	maxLen    int64
	logFn     func(level, msg string)
}

// NewPublisher creates a publisher for collector's machine.
func NewPublisher(cfg PublisherConfig, collector *Collector) (*Publisher, error) {
	if cfg.Stream == "" {
		cfg.Stream = "machine:logs:stream"
	}
	if cfg.Interval == 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.MaxLen == 0 {
		cfg.MaxLen = DefaultMaxLen
	}

	if !machineIDPattern.MatchString(collector.machineID) {
		return nil, fmt.Errorf("invalid machine ID %q: must be 1-64 alphanumeric characters, hyphens, underscores, or dots", collector.machineID)
	}

	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	if cfg.RedisPassword != "" {
		opts.Password = cfg.RedisPassword
	}

	return &Publisher{
		client:    redis.NewClient(opts),
		collector: collector,
		stream:    cfg.Stream,
		interval:  cfg.Interval,
		maxLen:    cfg.MaxLen,
		logFn:     cfg.LogFn,
	}, nil
}

// Start publishes immediately and then every interval until ctx is
// cancelled. Individual publish failures are logged, not returned.
func (p *Publisher) Start(ctx context.Context) error {
	p.log("debug", fmt.Sprintf("publishing %s to %s every %s", p.collector.machineID, p.stream, p.interval))

	if err := p.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to connect to Redis: %w", err)
	}

	if _, err := p.PublishOnce(ctx); err != nil {
		p.log("warning", fmt.Sprintf("initial publish failed: %v", err))
	}

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := p.PublishOnce(ctx); err != nil {
				p.log("warning", fmt.Sprintf("publish failed: %v", err))
			}
		}
	}
}

// PublishOnce collects and publishes a single entry, returning the stream
// message ID.
func (p *Publisher) PublishOnce(ctx context.Context) (string, error) {
	entry, err := p.collector.Collect(ctx)
	if err != nil {
		return "", err
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return "", fmt.Errorf("failed to marshal entry: %w", err)
	}

	id, err := p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: p.stream,
		Values: map[string]any{
			"machineId": entry.MachineID,
			"timestamp": entry.Timestamp.Format(time.RFC3339Nano),
			"payload":   string(data),
		},
		MaxLen: p.maxLen,
		Approx: true,
	}).Result()
	if err != nil {
		return "", fmt.Errorf("failed to add to stream: %w", err)
	}

	p.log("debug", fmt.Sprintf("published %s (%d GPUs, %d bytes)", id, len(entry.GPUs), len(data)))
	return id, nil
}

// Close closes the Redis connection.
func (p *Publisher) Close() error {
	return p.client.Close()
}

func (p *Publisher) log(level, msg string) {
	if p.logFn != nil {
		p.logFn(level, msg)
	}
}
