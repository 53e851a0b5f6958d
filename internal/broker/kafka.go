package broker

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/alisalti1992/sitescope-backend/config"
	"github.com/alisalti1992/sitescope-backend/internal/model"
	jsoniter "github.com/json-iterator/go"
	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/compress/lz4"
)

// NewKafkaProducer publishes crawl-completed events for downstream reporting
// consumers. Events arrive one per finished job; delivery failures are logged
// and never affect the job outcome.
// After shutdown, the function continues until eventChan drains.
func NewKafkaProducer(wg *sync.WaitGroup, eventChan <-chan *model.CrawlCompletedEvent,
	log *slog.Logger, cfg *config.ProducerConfig) {
	defer wg.Done()
	log.Info("starting kafka producer...", slog.String("topic", cfg.WriteTopicName))

	w := kafka.Writer{
		Addr:         kafka.TCP(strings.Split(cfg.Addr, ",")...),
		Topic:        cfg.WriteTopicName,
		Balancer:     &kafka.Hash{},
		MaxAttempts:  cfg.MaxAttempts,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		RequiredAcks: kafka.RequiredAcks(cfg.RequiredAsks),
		Async:        cfg.Async,
		Completion: func(messages []kafka.Message, err error) {
			if err != nil {
				log.Error("failed to send messages to kafka.", slog.String("err", err.Error()))
			}
		},
		Compression: kafka.Compression(new(lz4.Codec).Code()),
	}
	defer func() {
		err := w.Close()
		if err != nil {
			log.Error("failed to close kafka writer.", slog.String("err", err.Error()))
		}
	}()

	for event := range eventChan {
		body, err := jsoniter.Marshal(event)
		if err != nil {
			log.Error("marshaling error.", slog.String("err", err.Error()),
				slog.Any("event", event))
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), cfg.WriteTimeout)
		err = w.WriteMessages(ctx, kafka.Message{
			Key:   []byte(fmt.Sprintf("%d", event.JobID)),
			Value: body,
		})
		cancel()
		if err != nil {
			log.Error("failed to send event to kafka.", slog.Int64("job_id", event.JobID),
				slog.String("err", err.Error()))
			continue
		}
		log.Debug("crawl completed event sent.", slog.Int64("job_id", event.JobID))
	}
	log.Info("stopping kafka writer.")
}
