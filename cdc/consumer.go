package cdc

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/sirupsen/logrus"

	"reporting.bionicpro.org/config"
)

// Consumer drains CRM change events from RabbitMQ and applies them to the
// replica tables. It runs only in replica deployments, alongside the
// pipeline that reads the replica through the reference source adapter.
type Consumer struct {
	cfg     config.CDCConfig
	dialer  AMQPDialer
	applier *Applier
	log     *logrus.Entry

	connection AMQPConnection
	channel    AMQPChannel
}

// NewConsumer creates a consumer using a live AMQP dialer.
func NewConsumer(cfg config.CDCConfig, applier *Applier, log *logrus.Entry) *Consumer {
	return NewConsumerWithDialer(cfg, applier, &RealAMQPDialer{}, log)
}

// NewConsumerWithDialer creates a consumer with an injected dialer for
// testing.
func NewConsumerWithDialer(cfg config.CDCConfig, applier *Applier, dialer AMQPDialer, log *logrus.Entry) *Consumer {
	return &Consumer{cfg: cfg, dialer: dialer, applier: applier, log: log}
}

// Start connects, declares the durable change-event queue, and consumes
// until the context is cancelled or the delivery channel closes. Decode
// failures are dropped (the event can never become valid); apply failures
// are requeued for redelivery.
func (c *Consumer) Start(ctx context.Context) error {
	conn, err := c.dialer.Dial(c.cfg.AMQPURL)
	if err != nil {
		return fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	c.connection = conn

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to open a channel: %w", err)
	}
	c.channel = ch

	if _, err := ch.QueueDeclare(c.cfg.QueueName, true, false, false, false, nil); err != nil {
		c.Close()
		return fmt.Errorf("failed to declare queue %s: %w", c.cfg.QueueName, err)
	}

	deliveries, err := ch.Consume(c.cfg.QueueName, "", false, false, false, false, nil)
	if err != nil {
		c.Close()
		return fmt.Errorf("failed to start consuming: %w", err)
	}

	c.log.WithField("queue", c.cfg.QueueName).Info("replica applier consuming change events")

	for {
		select {
		case <-ctx.Done():
			return nil
		case delivery, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("delivery channel closed")
			}

			var event ChangeEvent
			if err := json.Unmarshal(delivery.Body, &event); err != nil {
				c.log.WithError(err).Error("dropping undecodable change event")
				if err := delivery.Nack(false, false); err != nil {
					c.log.WithError(err).Debug("nack failed")
				}
				continue
			}

			if err := c.applier.Apply(ctx, event); err != nil {
				c.log.WithFields(logrus.Fields{
					"table":   event.Table,
					"version": event.Version,
				}).WithError(err).Error("failed to apply change event, requeueing")
				if err := delivery.Nack(false, true); err != nil {
					c.log.WithError(err).Debug("nack failed")
				}
				continue
			}

			if err := delivery.Ack(false); err != nil {
				c.log.WithError(err).Debug("ack failed")
			}
		}
	}
}

// Close releases the channel and connection.
func (c *Consumer) Close() error {
	if c.channel != nil {
		if err := c.channel.Close(); err != nil {
			c.log.WithError(err).Warn("failed to close AMQP channel")
		}
	}
	if c.connection != nil {
		return c.connection.Close()
	}
	return nil
}
