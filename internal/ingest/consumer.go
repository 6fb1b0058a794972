// Package ingest moves telemetry entries published by machines from a Redis
// stream into the log store.
//
//	Reporter                          Redis                        Server
//	┌──────────┐  XADD machine:logs   ┌─────────┐  XREADGROUP    ┌──────────┐
//	│ report   │ ───────────────────▶ │ Stream  │ ─────────────▶ │ Consumer │ → log store
//	└──────────┘                      └─────────┘  XACK          └──────────┘
//
// Entries are acknowledged only after they are stored. A message that can
// never be stored (bad JSON, missing machine ID) is acknowledged and dropped.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/aceteam-ai/citadel-fleet/internal/telemetry"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	// DefaultStream is the stream reporters publish to.
	DefaultStream = "machine:logs:stream"

	// DefaultConsumerGroup is shared by every server instance so each entry is
	// stored once.
	DefaultConsumerGroup = "citadel-fleet"

	maxBackoff = 30 * time.Second
)

// Inserter stores a validated entry.
type Inserter interface {
	Insert(ctx context.Context, e telemetry.Entry) (int64, error)
}

// Stats counts processed messages since start.
type Stats struct {
	Stored   uint64
	Rejected uint64
	Failed   uint64
}

// Config holds consumer settings.
type Config struct {
	URL           string
	Password      string
	Stream        string // default: DefaultStream
	ConsumerGroup string // default: DefaultConsumerGroup
	BlockMs       int    // default: 5000
	BatchSize     int64  // default: 64

	LogFn func(level, msg string) // optional
}

// Consumer reads the telemetry stream as one member of a consumer group.
type Consumer struct {
	client     *redis.Client
	store      Inserter
	consumerID string
	stream     string
	group      string
	block      time.Duration
	batch      int64
	logFn      func(level, msg string)

	stored, rejected, failed atomic.Uint64
}

// NewConsumer creates a consumer. It does not touch the network until
// Connect or Run.
func NewConsumer(cfg Config, store Inserter) (*Consumer, error) {
	if cfg.Stream == "" {
		cfg.Stream = DefaultStream
	}
	if cfg.ConsumerGroup == "" {
		cfg.ConsumerGroup = DefaultConsumerGroup
	}
	if cfg.BlockMs == 0 {
		cfg.BlockMs = 5000
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 64
	}

	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}

	return &Consumer{
		client:     redis.NewClient(opts),
		store:      store,
		consumerID: fmt.Sprintf("fleet-%s", uuid.New().String()[:8]),
		stream:     cfg.Stream,
		group:      cfg.ConsumerGroup,
		block:      time.Duration(cfg.BlockMs) * time.Millisecond,
		batch:      cfg.BatchSize,
		logFn:      cfg.LogFn,
	}, nil
}

// Connect verifies the connection and creates the consumer group if needed.
func (c *Consumer) Connect(ctx context.Context) error {
	if err := c.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to connect to Redis: %w", err)
	}
	err := c.client.XGroupCreateMkStream(ctx, c.stream, c.group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("failed to create consumer group: %w", err)
	}
	return nil
}

// Run consumes until ctx is cancelled. It first re-reads messages this
// consumer was handed but never acknowledged, then follows new ones. Read and
// store failures back off exponentially and trigger another pending pass.
func (c *Consumer) Run(ctx context.Context) error {
	if err := c.Connect(ctx); err != nil {
		return err
	}
	c.log("info", fmt.Sprintf("consuming %s as %s/%s", c.stream, c.group, c.consumerID))

	backoff := time.Duration(0)
	drain := true
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		start := ">"
		if drain {
			start = "0"
		}
		n, err := c.ReadBatch(ctx, start)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			backoff = nextBackoff(backoff)
			c.log("warning", fmt.Sprintf("ingest: %v (retrying in %s)", err, backoff))
			drain = true

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			continue
		}

		backoff = 0
		if drain && n == 0 {
			drain = false
		}
	}
}

// ReadBatch reads up to one batch starting at id (">" for new messages, "0"
// for this consumer's pending ones) and stores it. It returns how many
// messages were read. The first store failure stops the batch and leaves the
// rest pending.
func (c *Consumer) ReadBatch(ctx context.Context, id string) (int, error) {
	args := &redis.XReadGroupArgs{
		Group:    c.group,
		Consumer: c.consumerID,
		Streams:  []string{c.stream, id},
		Count:    c.batch,
	}
	if id == ">" {
		args.Block = c.block
	}

	streams, err := c.client.XReadGroup(ctx, args).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read from stream: %w", err)
	}

	read := 0
	for _, stream := range streams {
		for _, msg := range stream.Messages {
			read++
			if err := c.handle(ctx, msg); err != nil {
				return read, err
			}
		}
	}
	return read, nil
}

func (c *Consumer) handle(ctx context.Context, msg redis.XMessage) error {
	entry, err := DecodeMessage(msg.Values)
	if err != nil {
		c.rejected.Add(1)
		c.log("warning", fmt.Sprintf("ingest: dropping message %s: %v", msg.ID, err))
		return c.ack(ctx, msg.ID)
	}

	if _, err := c.store.Insert(ctx, entry); err != nil {
		if telemetry.IsValidation(err) {
			c.rejected.Add(1)
			c.log("warning", fmt.Sprintf("ingest: dropping message %s: %v", msg.ID, err))
			return c.ack(ctx, msg.ID)
		}
		c.failed.Add(1)
		return fmt.Errorf("store message %s: %w", msg.ID, err)
	}

	c.stored.Add(1)
	c.log("debug", fmt.Sprintf("ingest: stored %s for %s at %s", msg.ID, entry.MachineID, entry.Timestamp.Format(time.RFC3339)))
	return c.ack(ctx, msg.ID)
}

func (c *Consumer) ack(ctx context.Context, id string) error {
	if err := c.client.XAck(ctx, c.stream, c.group, id).Err(); err != nil {
		return fmt.Errorf("failed to ack %s: %w", id, err)
	}
	return nil
}

// DecodeMessage extracts the entry carried in a stream message's payload
// field. A machineId field outside the payload fills in a missing one.
func DecodeMessage(values map[string]any) (telemetry.Entry, error) {
	raw, ok := values["payload"].(string)
	if !ok {
		return telemetry.Entry{}, errors.New("missing payload field")
	}

	var entry telemetry.Entry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		return telemetry.Entry{}, fmt.Errorf("failed to parse payload: %w", err)
	}
	if entry.MachineID == "" {
		if id, ok := values["machineId"].(string); ok {
			entry.MachineID = id
		}
	}
	if err := entry.Validate(); err != nil {
		return telemetry.Entry{}, err
	}
	return entry, nil
}

// Stats returns message counters.
func (c *Consumer) Stats() Stats {
	return Stats{
		Stored:   c.stored.Load(),
		Rejected: c.rejected.Load(),
		Failed:   c.failed.Load(),
	}
}

// ConsumerID returns this consumer's name within the group.
func (c *Consumer) ConsumerID() string {
	return c.consumerID
}

// Close closes the Redis connection.
func (c *Consumer) Close() error {
	return c.client.Close()
}

func nextBackoff(d time.Duration) time.Duration {
	if d == 0 {
		return 100 * time.Millisecond
	}
	d *= 2
	if d > maxBackoff {
		d = maxBackoff
	}
	return d
}

func (c *Consumer) log(level, msg string) {
	if c.logFn != nil {
		c.logFn(level, msg)
	}
}
