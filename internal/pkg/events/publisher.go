// Package events publishes purchase notifications for downstream consumers
// such as the notification service.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"github.com/gofiber/fiber/v2/log"
)

const DefaultPurchaseTopic = "successful_payments"

// Purchase is the message body on the purchase topic.
type Purchase struct {
	UserID         string `json:"user_id"`
	UserEmail      string `json:"user_email"`
	CoinsPurchased int64  `json:"coins_purchased"`
	TransactionID  string `json:"transaction_id"`
}

type Publisher interface {
	PublishPurchase(ctx context.Context, p Purchase) error
	Close()
}

// producer is the part of *kafka.Producer the publisher uses.
type producer interface {
	Produce(msg *kafka.Message, deliveryChan chan kafka.Event) error
	Events() chan kafka.Event
	Flush(timeoutMs int) int
	Close()
}

type KafkaPublisher struct {
	producer producer
	topic    string
	done     chan struct{}
}

// NewKafkaPublisher connects a producer to the given brokers.
func NewKafkaPublisher(bootstrapServers, topic string) (*KafkaPublisher, error) {
	servers := strings.Trim(strings.TrimSpace(bootstrapServers), "\"")
	p, err := kafka.NewProducer(&kafka.ConfigMap{
		"bootstrap.servers":  servers,
		"client.id":          "fractiverse-router",
		"acks":               "all",
		"enable.idempotence": true,
	})
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}
	log.Infof("[Events] Kafka producer connected to %s", servers)
	return newKafkaPublisher(p, topic), nil
}

func newKafkaPublisher(p producer, topic string) *KafkaPublisher {
	if strings.TrimSpace(topic) == "" {
		topic = DefaultPurchaseTopic
	}
	kp := &KafkaPublisher{producer: p, topic: topic, done: make(chan struct{})}
	go kp.watchDeliveries()
	return kp
}

// watchDeliveries logs asynchronous delivery failures reported by the producer.
func (p *KafkaPublisher) watchDeliveries() {
	defer close(p.done)
	for ev := range p.producer.Events() {
		switch e := ev.(type) {
		case *kafka.Message:
			if e.TopicPartition.Error != nil {
				log.Errorf("[Events] Delivery to %s failed: %v", p.topic, e.TopicPartition.Error)
			}
		case kafka.Error:
			log.Errorf("[Events] Kafka error: %v", e)
		}
	}
}

// PublishPurchase enqueues the message keyed by user id. Delivery is
// asynchronous; a nil error means the producer accepted it.
func (p *KafkaPublisher) PublishPurchase(ctx context.Context, purchase Purchase) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	value, err := json.Marshal(purchase)
	if err != nil {
		return fmt.Errorf("marshal purchase: %w", err)
	}
	msg := &kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &p.topic, Partition: kafka.PartitionAny},
		Key:            []byte(purchase.UserID),
		Value:          value,
	}
	if err := p.producer.Produce(msg, nil); err != nil {
		return fmt.Errorf("produce purchase %s: %w", purchase.TransactionID, err)
	}
	return nil
}

// Close flushes outstanding messages for up to five seconds.
func (p *KafkaPublisher) Close() {
	if left := p.producer.Flush(5000); left > 0 {
		log.Warnf("[Events] %d purchase messages not delivered before shutdown", left)
	}
	p.producer.Close()
	<-p.done
}

// NopPublisher drops every message. It is used when no brokers are configured.
type NopPublisher struct{}

func (NopPublisher) PublishPurchase(context.Context, Purchase) error { return nil }
func (NopPublisher) Close()                                           {}
