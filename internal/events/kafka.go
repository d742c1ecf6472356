// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package events

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"

	"github.com/autobrr/qsync/internal/buildinfo"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes events as JSON, keyed by instance ID so one
// instance's events stay ordered within a partition.
type KafkaPublisher struct {
	writer messageWriter
	topic  string
}

func NewKafkaPublisher(brokers []string, topic string) (*KafkaPublisher, error) {
	if len(brokers) == 0 {
		return nil, errors.New("at least one kafka broker is required")
	}
	if topic == "" {
		return nil, errors.New("kafka topic is required")
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchSize:    100,
		BatchTimeout: 10 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
		Transport: &kafka.Transport{
			ClientID: "qsync/" + buildinfo.Version,
		},
	}

	log.Info().Strs("brokers", brokers).Str("topic", topic).Msg("Initialized Kafka event publisher")

	return &KafkaPublisher{writer: writer, topic: topic}, nil
}

func (p *KafkaPublisher) Publish(ctx context.Context, events ...Event) error {
	if len(events) == 0 {
		return nil
	}

	msgs := make([]kafka.Message, 0, len(events))
	for _, ev := range events {
		value, err := json.Marshal(ev)
		if err != nil {
			return errors.Wrap(err, "could not marshal event")
		}
		msgs = append(msgs, kafka.Message{
			Key:   []byte(strconv.Itoa(ev.InstanceID)),
			Value: value,
			Time:  ev.At,
			Headers: []kafka.Header{
				{Key: "type", Value: []byte(eventType(ev))},
			},
		})
	}

	if err := p.writer.WriteMessages(ctx, msgs...); err != nil {
		return errors.Wrapf(err, "could not write %d events to %s", len(msgs), p.topic)
	}

	log.Trace().Str("topic", p.topic).Int("count", len(msgs)).Msg("Published poll events")
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

func eventType(ev Event) string {
	switch {
	case ev.Error != "":
		return "poll.failed"
	case ev.Flags.FullUpdate:
		return "sync.full"
	default:
		return "sync.delta"
	}
}
