package queue

import (
	"encoding/json"
	"fmt"

	"github.com/rabbitmq/amqp091-go"

	"github.com/arbor-rag/arbor/pkg/logger"
	"github.com/arbor-rag/arbor/pkg/progress"
)

// ProgressPublisher forwards build progress events to the pubsub
// exchange under dataset.<name>.progress. Publish failures are logged
// and swallowed; progress is advisory and must never fail a build.
type ProgressPublisher struct {
	ch *amqp091.Channel
}

func NewProgressPublisher(ch *amqp091.Channel) *ProgressPublisher {
	return &ProgressPublisher{ch: ch}
}

func (p *ProgressPublisher) Emit(event progress.Event) {
	data, err := json.Marshal(event)
	if err != nil {
		logger.Error("Failed to marshal progress event", "err", err)
		return
	}

	topic := fmt.Sprintf("dataset.%s.progress", event.Dataset)
	if err := PublishTopic(p.ch, topic, data); err != nil {
		logger.Error("Failed to publish progress event", "topic", topic, "err", err)
	}
}
