package worker

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"time"

	"hookgate/internal"

	"github.com/ThreeDotsLabs/watermill"
	wmamqp "github.com/ThreeDotsLabs/watermill-amqp/pkg/amqp"
	wmkafka "github.com/ThreeDotsLabs/watermill-kafka/pkg/kafka"
	wmnats "github.com/ThreeDotsLabs/watermill-nats/pkg/nats"
	wmsql "github.com/ThreeDotsLabs/watermill-sql/pkg/sql"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
)

// NewFromConfig creates a worker subscribed through the drivers the notices
// are published to. group names the consumer group (kafka, sql), the
// durable subscription (nats) or the queue suffix (amqp pubsub modes).
func NewFromConfig(cfg internal.WatermillConfig, group string, opts ...Option) (*Worker, error) {
	sub, err := BuildSubscriber(cfg, group)
	if err != nil {
		return nil, err
	}
	opts = append(opts, WithSubscriber(sub))
	return New(opts...), nil
}

// BuildSubscriber creates a subscriber for the configured driver, or one
// that merges every configured driver when several are listed. The http and
// riverqueue drivers only publish and are skipped.
func BuildSubscriber(cfg internal.WatermillConfig, group string) (message.Subscriber, error) {
	logger := watermill.NewStdLogger(false, false)

	drivers := cfg.DriverList()
	if len(drivers) == 1 {
		return connect(cfg, group, logger, drivers[0])
	}

	subs := make([]namedSubscriber, 0, len(drivers))
	for _, driver := range drivers {
		if !subscribable(driver) {
			logger.Info("skipping publish-only driver", watermill.LogFields{"driver": driver})
			continue
		}
		sub, err := connect(cfg, group, logger, driver)
		if err != nil {
			logger.Error("subscriber init failed, skipping driver", err, watermill.LogFields{"driver": driver})
			continue
		}
		subs = append(subs, namedSubscriber{driver: driver, sub: sub})
	}
	if len(subs) == 0 {
		return nil, errors.New("no supported subscriber drivers configured")
	}
	return &multiSubscriber{subscribers: subs, bufferSize: cfg.GoChannel.OutputChannelBuffer}, nil
}

func connect(cfg internal.WatermillConfig, group string, logger watermill.LoggerAdapter, driver string) (message.Subscriber, error) {
	if !subscribable(driver) {
		return nil, &internal.ConfigurationError{Setting: "watermill.driver", Reason: driver + " cannot be subscribed to"}
	}
	if err := cfg.CheckDriver(driver); err != nil {
		return nil, err
	}
	return internal.ConnectRetry(10, 2*time.Second, func() (message.Subscriber, error) {
		return openSubscriber(cfg, group, logger, driver)
	})
}

func openSubscriber(cfg internal.WatermillConfig, group string, logger watermill.LoggerAdapter, driver string) (message.Subscriber, error) {
	switch driver {
	case "gochannel":
		return gochannel.NewGoChannel(cfg.GoChannel.Channel(), logger), nil
	case "amqp":
		amqpCfg, err := cfg.AMQP.Transport(group)
		if err != nil {
			return nil, err
		}
		return wmamqp.NewSubscriber(amqpCfg, logger)
	case "nats":
		natsCfg := wmnats.StreamingSubscriberConfig{
			ClusterID:   cfg.NATS.ClusterID,
			ClientID:    subscriberClientID(cfg.NATS.ClientID, group),
			DurableName: group,
			Unmarshaler: wmnats.GobMarshaler{},
		}
		natsCfg.StanOptions = cfg.NATS.StanOptions()
		return wmnats.NewStreamingSubscriber(natsCfg, logger)
	case "kafka":
		return wmkafka.NewSubscriber(wmkafka.SubscriberConfig{
			Brokers:       cfg.Kafka.Brokers,
			ConsumerGroup: group,
		}, nil, wmkafka.DefaultMarshaler{}, logger)
	default:
		schema, offsets, err := cfg.SQL.Adapters()
		if err != nil {
			return nil, err
		}
		db, err := sql.Open(cfg.SQL.Driver, cfg.SQL.DSN)
		if err != nil {
			return nil, err
		}
		sub, err := wmsql.NewSubscriber(db, wmsql.SubscriberConfig{
			ConsumerGroup:    group,
			SchemaAdapter:    schema,
			OffsetsAdapter:   offsets,
			InitializeSchema: cfg.SQL.AutoInitializeSchema,
		}, logger)
		if err != nil {
			_ = db.Close()
			return nil, err
		}
		return &closingSubscriber{Subscriber: sub, closeFn: db.Close}, nil
	}
}

type closingSubscriber struct {
	message.Subscriber
	closeFn func() error
}

func (c *closingSubscriber) Close() error {
	err := c.Subscriber.Close()
	if c.closeFn != nil {
		if closeErr := c.closeFn(); closeErr != nil {
			return errors.Join(err, closeErr)
		}
	}
	return err
}

type multiSubscriber struct {
	subscribers []namedSubscriber
	bufferSize  int64
}

type namedSubscriber struct {
	driver string
	sub    message.Subscriber
}

// Subscribe fans the topic in from every driver, tagging each message with
// the driver it came from.
func (m *multiSubscriber) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	if len(m.subscribers) == 0 {
		return nil, errors.New("no subscribers configured")
	}

	buffer := m.bufferSize
	if buffer <= 0 {
		buffer = 64
	}
	out := make(chan *message.Message, buffer)

	var wg sync.WaitGroup
	wg.Add(len(m.subscribers))

	for _, entry := range m.subscribers {
		ch, err := entry.sub.Subscribe(ctx, topic)
		if err != nil {
			_ = m.Close()
			return nil, err
		}
		go func(ch <-chan *message.Message, driver string) {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case msg, ok := <-ch:
					if !ok {
						return
					}
					if msg.Metadata == nil {
						msg.Metadata = message.Metadata{}
					}
					msg.Metadata.Set("driver", driver)
					select {
					case out <- msg:
					case <-ctx.Done():
						return
					}
				}
			}
		}(ch, entry.driver)
	}

	go func() {
		wg.Wait()
		close(out)
	}()

	return out, nil
}

func (m *multiSubscriber) Close() error {
	var errs []error
	for _, entry := range m.subscribers {
		errs = append(errs, entry.sub.Close())
	}
	return errors.Join(errs...)
}

// subscriberClientID keeps the streaming client id distinct from the
// publisher's, which NATS streaming requires.
func subscriberClientID(clientID, group string) string {
	if group == "" {
		group = "consumer"
	}
	return clientID + "-" + group
}

func subscribable(driver string) bool {
	switch driver {
	case "gochannel", "amqp", "nats", "kafka", "sql":
		return true
	default:
		return false
	}
}
