package events

import (
	"context"
	"fmt"
	"log/slog"
)

// Config selects and configures the event publisher.
type Config struct {
	Publisher    string // none, gochannel or kafka
	KafkaBrokers []string
	Topic        string
}

// NewPublisher creates the publisher named by cfg.Publisher. For gochannel a
// consumer that logs every event is attached so published events are drained.
func NewPublisher(cfg Config, logger *slog.Logger) (Publisher, error) {
	switch cfg.Publisher {
	case "", "none":
		logger.Info("event publishing disabled")
		return NopPublisher{}, nil
	case "gochannel":
		pub, gc := NewGoChannelPublisher(cfg.Topic, logger)
		if err := Consume(context.Background(), gc, cfg.Topic, func(e Event) {
			logger.Info("event", "type", e.Type, "exam_id", e.ExamID, "module", e.Module, "session_id", e.SessionID)
		}); err != nil {
			return nil, err
		}
		logger.Info("using in-process event publisher", "topic", cfg.Topic)
		return pub, nil
	case "kafka":
		if len(cfg.KafkaBrokers) == 0 {
			return nil, fmt.Errorf("kafka publisher needs at least one broker")
		}
		logger.Info("creating kafka event publisher", "brokers", cfg.KafkaBrokers, "topic", cfg.Topic)
		return NewKafkaPublisher(cfg.KafkaBrokers, cfg.Topic, logger)
	default:
		return nil, fmt.Errorf("unknown events publisher %q", cfg.Publisher)
	}
}
