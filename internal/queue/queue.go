// Package queue wires dataset builds and deletes to RabbitMQ. Workers
// consume the build and delete queues one message at a time; failed
// messages go through a delayed retry queue and land in a dead letter
// queue after too many attempts.
package queue

import (
	"fmt"
	"time"

	"github.com/rabbitmq/amqp091-go"

	"github.com/arbor-rag/arbor/internal/util"
	"github.com/arbor-rag/arbor/pkg/logger"
)

const (
	BuildQueue  = "build_queue"
	DeleteQueue = "delete_queue"
)

// Queues lists every work queue a worker consumes.
var Queues = []string{BuildQueue, DeleteQueue}

// Init connects to RabbitMQ using RABBITMQ_USER, RABBITMQ_PASSWORD,
// RABBITMQ_HOST and RABBITMQ_PORT.
func Init() *amqp091.Connection {
	connURL := fmt.Sprintf(
		"amqp://%s:%s@%s:%s/",
		util.GetEnv("RABBITMQ_USER"),
		util.GetEnv("RABBITMQ_PASSWORD"),
		util.GetEnv("RABBITMQ_HOST"),
		util.GetEnv("RABBITMQ_PORT"),
	)

	conn, err := amqp091.Dial(connURL)
	if err != nil {
		logger.Fatal("Failed to connect to RabbitMQ", "err", err)
	}

	return conn
}

// SetupQueues declares each work queue together with its retry queue
// (10s TTL, dead-lettered back to the work queue) and its dead letter
// queue.
func SetupQueues(ch *amqp091.Channel, queueNames []string) error {
	err := ch.ExchangeDeclare(
		"pubsub",
		"topic",
		false,
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		logger.Fatal("ExchangeDeclare failed", "err", err)
	}

	for _, name := range queueNames {
		_, err := ch.QueueDeclare(
			name,
			true,  // durable
			false, // autoDelete
			false, // exclusive
			false, // noWait
			nil,   // args
		)
		if err != nil {
			logger.Fatal("QueueDeclare failed", "queue", name, "err", err)
		}

		dlqName := name + "_dlq"
		_, err = ch.QueueDeclare(
			dlqName,
			true,
			false,
			false,
			false,
			nil,
		)
		if err != nil {
			logger.Fatal("QueueDeclare failed", "queue", dlqName, "err", err)
		}

		retryName := name + "_retry"
		_, err = ch.QueueDeclare(
			retryName,
			true,
			false,
			false,
			false,
			amqp091.Table{
				"x-message-ttl":             int32(10000),
				"x-dead-letter-exchange":    "",
				"x-dead-letter-routing-key": name,
			},
		)
		if err != nil {
			logger.Fatal("QueueDeclare failed", "queue", retryName, "err", err)
		}
	}

	return nil
}

// PublishFIFO publishes a persistent message directly to a work queue.
func PublishFIFO(ch *amqp091.Channel, queueName string, data []byte) error {
	q, err := ch.QueueDeclare(
		queueName,
		true,
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		return err
	}

	return ch.Publish(
		"",
		q.Name,
		false,
		false,
		amqp091.Publishing{
			ContentType:  "application/json",
			Body:         data,
			DeliveryMode: amqp091.Persistent,
			Timestamp:    time.Now(),
		},
	)
}

// PublishTopic publishes to the pubsub exchange, used for progress
// events that any number of subscribers may follow.
func PublishTopic(ch *amqp091.Channel, topic string, data []byte) error {
	err := ch.ExchangeDeclare(
		"pubsub_exchange",
		"topic",
		false,
		true,
		false,
		false,
		nil,
	)
	if err != nil {
		return err
	}

	return ch.Publish(
		"pubsub_exchange",
		topic,
		false,
		true,
		amqp091.Publishing{
			ContentType:  "application/json",
			Body:         data,
			DeliveryMode: amqp091.Persistent,
			Timestamp:    time.Now(),
		},
	)
}
