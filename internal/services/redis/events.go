package redis

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/amerfu/llmbudget/internal/models"
	"github.com/amerfu/llmbudget/internal/services/budget"
)

// EventType represents the type of event
type EventType string

const (
	EventTypeUsage          EventType = "usage"
	EventTypeBudgetExceeded EventType = "budget_exceeded"
)

const DefaultEventChannel = "budget_events"

// Event is the payload written to the event stream and channel.
type Event struct {
	ID        string                 `json:"id"`
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
	Source    string                 `json:"source"`
}

// EventPublisher appends events to a capped Redis stream and publishes them
// on a pub/sub channel of the same name.
type EventPublisher struct {
	client  *redis.Client
	logger  *zap.Logger
	channel string
}

func NewEventPublisher(client *redis.Client, logger *zap.Logger, channel string) *EventPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if channel == "" {
		channel = DefaultEventChannel
	}
	return &EventPublisher{
		client:  client,
		logger:  logger,
		channel: channel,
	}
}

var _ budget.EventSink = (*EventPublisher)(nil)

// PublishUsage publishes a usage tracking event
func (ep *EventPublisher) PublishUsage(ctx context.Context, rec *models.UsageRecord) error {
	return ep.publishEvent(ctx, Event{
		ID:        uuid.NewString(),
		Type:      EventTypeUsage,
		Timestamp: time.Now().UTC(),
		Source:    "llmbudget",
		Data: map[string]interface{}{
			"user_id":       rec.UserID,
			"model":         rec.Model,
			"input_tokens":  rec.InputTokens,
			"output_tokens": rec.OutputTokens,
			"total_tokens":  rec.TotalTokens(),
			"cost":          rec.Cost,
			"request_id":    rec.RequestID,
		},
	})
}

// PublishBudgetExceeded publishes a denied admission check
func (ep *EventPublisher) PublishBudgetExceeded(ctx context.Context, d *budget.Decision) error {
	return ep.publishEvent(ctx, Event{
		ID:        uuid.NewString(),
		Type:      EventTypeBudgetExceeded,
		Timestamp: time.Now().UTC(),
		Source:    "llmbudget",
		Data: map[string]interface{}{
			"user_id":           d.UserID,
			"model":             d.Model,
			"reason":            d.Reason,
			"estimated_cost":    d.EstimatedCost,
			"daily_remaining":   d.DailyRemaining,
			"monthly_remaining": d.MonthlyRemaining,
			"exceeded":          d.Exceeded,
		},
	})
}

func (ep *EventPublisher) publishEvent(ctx context.Context, event Event) error {
	eventData, err := json.Marshal(event)
	if err != nil {
		ep.logger.Error("Failed to marshal event", zap.Error(err), zap.String("event_id", event.ID))
		return err
	}

	_, err = ep.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.XAdd(ctx, &redis.XAddArgs{
			Stream: ep.channel,
			MaxLen: 10000,
			Approx: true,
			Values: map[string]interface{}{
				"event_id":   event.ID,
				"event_type": string(event.Type),
				"data":       string(eventData),
			},
		})
		pipe.Publish(ctx, ep.channel, eventData)
		return nil
	})
	if err != nil {
		ep.logger.Error("Failed to publish event to Redis",
			zap.Error(err),
			zap.String("channel", ep.channel),
			zap.String("event_id", event.ID))
		return err
	}

	ep.logger.Debug("Event published",
		zap.String("channel", ep.channel),
		zap.String("event_id", event.ID),
		zap.String("type", string(event.Type)))

	return nil
}
