// Package notify is the outbox relay that publishes each merged change to
// a configured Kafka/Redpanda topic (every downstream
// consumer that wants to react to merges subscribes to this topic instead
// of polling change_order itself). It follows the outbox pattern: a merge
// writes a merge_outbox row after appending the change to change_order (a
// separate statement, not one transaction with the merge), and this relay
// polls that table and marks rows published once the broker has acked
// them.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/moovcs/vcsd/pkg/changelog"
	"github.com/moovcs/vcsd/pkg/vcsmodels"
	"github.com/twmb/franz-go/pkg/kgo"
	"gorm.io/gorm"
)

// Event is the payload published for each merged change.
type Event struct {
	Position  uint64    `json:"position"`
	ChangeID  string    `json:"change_id"`
	Name      string    `json:"name"`
	Author    string    `json:"author"`
	Timestamp int64     `json:"timestamp"`
	CreatedAt time.Time `json:"created_at"`
}

// Relay polls the merge_outbox table and publishes unpublished rows.
type Relay struct {
	db           *gorm.DB
	log          *changelog.Log
	client       *kgo.Client
	topic        string
	hl           hclog.Logger
	pollInterval time.Duration
	batchSize    int
	stopCh       chan struct{}
}

// Config holds the relay's configuration.
type Config struct {
	DB *gorm.DB
	// Log decodes a merge_outbox row's ChangeID into the full Change
	// whose fields populate the published Event.
	Log *changelog.Log

	Brokers []string
	Topic   string

	PollInterval time.Duration
	BatchSize    int

	Logger hclog.Logger
}

// New builds a Relay, connecting to the configured Kafka/Redpanda brokers.
func New(cfg Config) (*Relay, error) {
	if cfg.DB == nil {
		return nil, fmt.Errorf("notify: database is required")
	}
	if cfg.Log == nil {
		return nil, fmt.Errorf("notify: changelog is required")
	}
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("notify: at least one broker is required")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("notify: topic is required")
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 1 * time.Second
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 100
	}
	if cfg.Logger == nil {
		cfg.Logger = hclog.NewNullLogger()
	}

	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.ProducerBatchCompression(kgo.GzipCompression()),
		kgo.RetryBackoffFn(func(tries int) time.Duration {
			d := time.Duration(tries) * 100 * time.Millisecond
			if d > 60*time.Second {
				d = 60 * time.Second
			}
			return d
		}),
		kgo.RequestRetries(10),
	)
	if err != nil {
		return nil, fmt.Errorf("notify: create kafka client: %w", err)
	}

	return &Relay{
		db:           cfg.DB,
		log:          cfg.Log,
		client:       client,
		topic:        cfg.Topic,
		hl:           cfg.Logger.Named("notify"),
		pollInterval: cfg.PollInterval,
		batchSize:    cfg.BatchSize,
		stopCh:       make(chan struct{}),
	}, nil
}

// Start runs the relay's polling loop until ctx is cancelled or Stop is
// called.
func (r *Relay) Start(ctx context.Context) error {
	r.hl.Info("starting outbox relay", "poll_interval", r.pollInterval, "topic", r.topic)
	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-r.stopCh:
			return nil
		case <-ticker.C:
			if err := r.processBatch(ctx); err != nil {
				r.hl.Error("failed to process outbox batch", "error", err)
			}
		}
	}
}

// Stop gracefully stops the relay and closes its Kafka client.
func (r *Relay) Stop() {
	close(r.stopCh)
	r.client.Close()
}

func (r *Relay) processBatch(ctx context.Context) error {
	var rows []vcsmodels.MergeOutboxRow
	err := r.db.WithContext(ctx).
		Where("published = ?", false).
		Order("position asc").
		Limit(r.batchSize).
		Find(&rows).Error
	if err != nil {
		return fmt.Errorf("find pending outbox rows: %w", err)
	}
	if len(rows) == 0 {
		return nil
	}

	for _, row := range rows {
		if err := r.publish(ctx, row); err != nil {
			r.hl.Error("failed to publish outbox row", "position", row.Position, "change_id", row.ChangeID, "error", err)
			continue
		}
		if err := r.db.WithContext(ctx).Model(&vcsmodels.MergeOutboxRow{}).
			Where("position = ?", row.Position).
			Update("published", true).Error; err != nil {
			r.hl.Error("failed to mark outbox row published", "position", row.Position, "error", err)
		}
	}
	return nil
}

func (r *Relay) publish(ctx context.Context, row vcsmodels.MergeOutboxRow) error {
	c, err := r.log.Get(ctx, row.ChangeID)
	if err != nil {
		return fmt.Errorf("load change %s: %w", row.ChangeID, err)
	}
	event := Event{
		Position:  row.Position,
		ChangeID:  c.ID,
		Name:      c.Name,
		Author:    c.Author,
		Timestamp: c.Timestamp,
		CreatedAt: row.CreatedAt,
	}
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	record := &kgo.Record{
		Topic: r.topic,
		Key:   []byte(c.ID),
		Value: body,
	}
	if err := r.client.ProduceSync(ctx, record).FirstErr(); err != nil {
		return fmt.Errorf("publish to kafka: %w", err)
	}
	return nil
}
