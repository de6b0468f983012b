// Package events consumes bid lifecycle events from Kafka and feeds them to
// the pipeline. Messages of one partition are applied in order; a message
// that fails transiently is retried with backoff until it succeeds or the
// session ends, so offsets are only committed past applied events.
package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/IBM/sarama"
	json "github.com/goccy/go-json"

	"github.com/tunebytes/bid-engine/internal/config"
	"github.com/tunebytes/bid-engine/internal/metrics"
	"github.com/tunebytes/bid-engine/internal/model"
	"github.com/tunebytes/bid-engine/internal/pipeline"
	"github.com/tunebytes/bid-engine/internal/store"
)

// Event types.
const (
	TypeCreated     = "created"
	TypePlayed      = "played"
	TypeVetoed      = "vetoed"
	TypeDeactivated = "deactivated"
)

// ErrMalformed is returned by Decode for events that can never be applied.
var ErrMalformed = errors.New("events: malformed event")

// Event is one bid lifecycle message.
type Event struct {
	Type       string `json:"type"`
	BidID      string `json:"bid_id"`
	UserID     string `json:"user_id,omitempty"`
	MediaID    string `json:"media_id,omitempty"`
	PartyID    string `json:"party_id,omitempty"`
	Amount     int64  `json:"amount,omitempty"`
	Scope      string `json:"scope,omitempty"`
	Username   string `json:"username,omitempty"`
	MediaTitle string `json:"media_title,omitempty"`
	PartyName  string `json:"party_name,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

// Decode parses and checks one message value.
func Decode(data []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return ev, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	switch ev.Type {
	case TypeCreated, TypePlayed, TypeVetoed, TypeDeactivated:
	default:
		return ev, fmt.Errorf("%w: unknown type %q", ErrMalformed, ev.Type)
	}
	// Created events carry the producer's id so a redelivery is detected.
	if ev.BidID == "" {
		return ev, fmt.Errorf("%w: %s event without bid_id", ErrMalformed, ev.Type)
	}
	if ev.Type == TypeCreated && ev.Scope == string(model.ScopeParty) && ev.PartyID == "" {
		return ev, fmt.Errorf("%w: party bid without party_id", ErrMalformed)
	}
	return ev, nil
}

// Bids is the part of the pipeline events drive.
type Bids interface {
	Place(ctx context.Context, req pipeline.PlaceRequest) (*pipeline.Outcome, error)
	MarkPlayed(ctx context.Context, bidID string) (*pipeline.Outcome, error)
	Veto(ctx context.Context, bidID, reason string) (*pipeline.Outcome, error)
	Deactivate(ctx context.Context, bidID, reason string) (*pipeline.Outcome, error)
}

// Handler is a sarama.ConsumerGroupHandler applying events to Bids.
type Handler struct {
	bids         Bids
	batchSize    int
	batchTimeout time.Duration
	retryBase    time.Duration
	retryMax     time.Duration
}

// NewHandler creates a handler that applies messages in batches of up to
// batchSize, flushing a partial batch after batchTimeout.
func NewHandler(bids Bids, batchSize int, batchTimeout time.Duration) *Handler {
	if batchSize <= 0 {
		batchSize = 32
	}
	if batchTimeout <= 0 {
		batchTimeout = time.Second
	}
	return &Handler{
		bids:         bids,
		batchSize:    batchSize,
		batchTimeout: batchTimeout,
		retryBase:    100 * time.Millisecond,
		retryMax:     5 * time.Second,
	}
}

// Apply applies one event. It returns nil for events that are already
// applied or can never be applied (they are logged and skipped); a non-nil
// error means the event should be retried.
func (h *Handler) Apply(ctx context.Context, ev Event) error {
	var err error
	switch ev.Type {
	case TypeCreated:
		_, err = h.bids.Place(ctx, pipeline.PlaceRequest{
			BidID:      ev.BidID,
			UserID:     ev.UserID,
			MediaID:    ev.MediaID,
			PartyID:    ev.PartyID,
			Amount:     ev.Amount,
			Username:   ev.Username,
			MediaTitle: ev.MediaTitle,
			PartyName:  ev.PartyName,
		})
	case TypePlayed:
		_, err = h.bids.MarkPlayed(ctx, ev.BidID)
	case TypeVetoed:
		_, err = h.bids.Veto(ctx, ev.BidID, ev.Reason)
	case TypeDeactivated:
		_, err = h.bids.Deactivate(ctx, ev.BidID, ev.Reason)
	}

	switch {
	case err == nil:
		metrics.EventsConsumed.WithLabelValues(ev.Type, "applied").Inc()
		return nil
	case errors.Is(err, store.ErrDuplicate):
		metrics.EventsConsumed.WithLabelValues(ev.Type, "duplicate").Inc()
		slog.InfoContext(ctx, "bid event already applied", "type", ev.Type, "bid_id", ev.BidID)
		return nil
	case errors.Is(err, model.ErrValidation), errors.Is(err, model.ErrNotFound):
		metrics.EventsConsumed.WithLabelValues(ev.Type, "rejected").Inc()
		slog.WarnContext(ctx, "bid event rejected", "type", ev.Type, "bid_id", ev.BidID, "err", err)
		return nil
	}
	metrics.EventsConsumed.WithLabelValues(ev.Type, "retry").Inc()
	return err
}

func (h *Handler) Setup(sarama.ConsumerGroupSession) error {
	slog.Info("bid event consumer setup")
	return nil
}

func (h *Handler) Cleanup(sarama.ConsumerGroupSession) error {
	slog.Info("bid event consumer cleanup")
	return nil
}

// ConsumeClaim pulls messages in batches and applies each batch in order.
func (h *Handler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	batch := make([]*sarama.ConsumerMessage, 0, h.batchSize)
	ticker := time.NewTicker(h.batchTimeout)
	defer ticker.Stop()

	flush := func() bool {
		ok := h.processBatch(session, batch)
		batch = batch[:0]
		return ok
	}

	for {
		select {
		case msg, ok := <-claim.Messages():
			if !ok {
				if len(batch) > 0 {
					flush()
				}
				return nil
			}
			batch = append(batch, msg)
			if len(batch) >= h.batchSize {
				if !flush() {
					return nil
				}
				ticker.Reset(h.batchTimeout)
			}
		case <-ticker.C:
			if len(batch) > 0 && !flush() {
				return nil
			}
		case <-session.Context().Done():
			return nil
		}
	}
}

// processBatch applies messages in order, marking each once applied, and
// commits. It reports false when the session ended mid-batch.
func (h *Handler) processBatch(session sarama.ConsumerGroupSession, messages []*sarama.ConsumerMessage) bool {
	ctx := session.Context()
	defer session.Commit()

	for _, msg := range messages {
		ev, err := Decode(msg.Value)
		if err != nil {
			metrics.EventsConsumed.WithLabelValues("unknown", "malformed").Inc()
			slog.ErrorContext(ctx, "skipping malformed bid event",
				"partition", msg.Partition, "offset", msg.Offset, "err", err)
			session.MarkMessage(msg, "")
			continue
		}

		wait := h.retryBase
		for {
			err := h.Apply(ctx, ev)
			if err == nil {
				break
			}
			slog.ErrorContext(ctx, "process bid event error",
				"type", ev.Type, "bid_id", ev.BidID, "offset", msg.Offset, "retry_in", wait, "err", err)
			select {
			case <-ctx.Done():
				return false
			case <-time.After(wait):
			}
			wait = min(wait*2, h.retryMax)
		}
		session.MarkMessage(msg, "")
	}
	return true
}

// newSaramaConfig builds the consumer group configuration.
func newSaramaConfig(cfg config.KafkaConfig) *sarama.Config {
	c := sarama.NewConfig()
	c.Consumer.Return.Errors = true
	c.Consumer.Offsets.Initial = sarama.OffsetOldest
	c.Consumer.Offsets.AutoCommit.Enable = false
	c.Consumer.Group.Session.Timeout = cfg.Consumer.SessionTimeout
	c.Consumer.Group.Heartbeat.Interval = cfg.Consumer.HeartbeatInterval
	c.Consumer.Group.Rebalance.Timeout = cfg.Consumer.RebalanceTimeout
	c.Consumer.MaxProcessingTime = cfg.Consumer.MaxProcessingTime
	return c
}

// Consumer runs the consumer group.
type Consumer struct {
	group   sarama.ConsumerGroup
	topic   string
	handler *Handler
}

// NewConsumer connects a consumer group to the configured brokers.
func NewConsumer(cfg config.KafkaConfig, bids Bids) (*Consumer, error) {
	group, err := sarama.NewConsumerGroup(cfg.Brokers, cfg.GroupID, newSaramaConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("events: create consumer group: %w", err)
	}
	return &Consumer{
		group:   group,
		topic:   cfg.Topic,
		handler: NewHandler(bids, cfg.Consumer.BatchSize, cfg.Consumer.BatchTimeout),
	}, nil
}

// Run consumes until ctx is done, rejoining the group after rebalances.
func (c *Consumer) Run(ctx context.Context) error {
	defer c.group.Close()

	go func() {
		for err := range c.group.Errors() {
			slog.Error("kafka consumer error", "err", err)
		}
	}()

	slog.Info("bid event consumer started", "topic", c.topic)
	for {
		if err := c.group.Consume(ctx, []string{c.topic}, c.handler); err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				return nil
			}
			slog.Error("kafka consume error", "err", err)
			select {
			case <-ctx.Done():
			case <-time.After(time.Second):
			}
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}
