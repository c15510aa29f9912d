package internal

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	wmamqp "github.com/ThreeDotsLabs/watermill-amqp/pkg/amqp"
	wmhttp "github.com/ThreeDotsLabs/watermill-http/v2/pkg/http"
	wmkafka "github.com/ThreeDotsLabs/watermill-kafka/pkg/kafka"
	wmnats "github.com/ThreeDotsLabs/watermill-nats/pkg/nats"
	wmsql "github.com/ThreeDotsLabs/watermill-sql/pkg/sql"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
)

// Publisher delivers notices to one or more message transports.
type Publisher interface {
	Publish(ctx context.Context, topic string, notice Notice) error
	PublishForDrivers(ctx context.Context, topic string, notice Notice, drivers []string) error
	Close() error
}

// PublisherFactory opens a watermill publisher for one driver. The returned
// close func, when non-nil, runs after the publisher is closed.
type PublisherFactory func(cfg WatermillConfig, logger watermill.LoggerAdapter) (message.Publisher, func() error, error)

var publisherFactories = map[string]PublisherFactory{
	"gochannel": openGoChannel,
	"http":      openHTTP,
	"kafka":     openKafka,
	"nats":      openNATS,
	"amqp":      openAMQP,
	"sql":       openSQL,
}

func RegisterPublisherDriver(name string, factory PublisherFactory) {
	if name == "" || factory == nil {
		return
	}
	publisherFactories[strings.ToLower(name)] = factory
}

// NewPublisher opens a publisher per configured driver. Drivers that fail to
// connect are logged and skipped; an error is returned only when none are left.
func NewPublisher(cfg WatermillConfig) (Publisher, error) {
	logger := watermill.NewStdLogger(false, false)

	mux := &publisherMux{publishers: map[string]Publisher{}}
	for _, driver := range cfg.DriverList() {
		pub, err := ConnectRetry(5, 2*time.Second, func() (Publisher, error) {
			return openPublisher(cfg, driver, logger)
		})
		if err != nil {
			logger.Error("publisher init failed, skipping driver", err, watermill.LogFields{"driver": driver})
			continue
		}
		mux.publishers[driver] = pub
		mux.defaultDrivers = append(mux.defaultDrivers, driver)
	}
	if len(mux.publishers) == 0 {
		return nil, errors.New("no publishers available")
	}
	return mux, nil
}

func openPublisher(cfg WatermillConfig, driver string, logger watermill.LoggerAdapter) (Publisher, error) {
	if err := cfg.CheckDriver(driver); err != nil {
		return nil, err
	}
	if driver == "riverqueue" {
		return newRiverQueuePublisher(cfg.RiverQueue)
	}
	factory, ok := publisherFactories[driver]
	if !ok {
		return nil, &ConfigurationError{Setting: "watermill.driver", Reason: "unsupported driver " + driver}
	}
	pub, closeFn, err := factory(cfg, logger)
	if err != nil {
		return nil, err
	}
	return &watermillPublisher{publisher: pub, closeFn: closeFn, retry: cfg.PublishRetry}, nil
}

func openGoChannel(cfg WatermillConfig, logger watermill.LoggerAdapter) (message.Publisher, func() error, error) {
	return gochannel.NewGoChannel(cfg.GoChannel.Channel(), logger), nil, nil
}

func openHTTP(cfg WatermillConfig, logger watermill.LoggerAdapter) (message.Publisher, func() error, error) {
	pub, err := wmhttp.NewPublisher(wmhttp.PublisherConfig{
		MarshalMessageFunc: func(topic string, msg *message.Message) (*http.Request, error) {
			target, err := httpTargetURL(cfg.HTTP, topic)
			if err != nil {
				return nil, err
			}
			return wmhttp.DefaultMarshalMessageFunc(target, msg)
		},
	}, logger)
	return pub, nil, err
}

func openKafka(cfg WatermillConfig, logger watermill.LoggerAdapter) (message.Publisher, func() error, error) {
	pub, err := wmkafka.NewPublisher(cfg.Kafka.Brokers, wmkafka.DefaultMarshaler{}, nil, logger)
	return pub, nil, err
}

func openNATS(cfg WatermillConfig, logger watermill.LoggerAdapter) (message.Publisher, func() error, error) {
	natsCfg := wmnats.StreamingPublisherConfig{
		ClusterID: cfg.NATS.ClusterID,
		ClientID:  cfg.NATS.ClientID,
		Marshaler: wmnats.GobMarshaler{},
	}
	natsCfg.StanOptions = cfg.NATS.StanOptions()
	pub, err := wmnats.NewStreamingPublisher(natsCfg, logger)
	return pub, nil, err
}

func openAMQP(cfg WatermillConfig, logger watermill.LoggerAdapter) (message.Publisher, func() error, error) {
	amqpCfg, err := cfg.AMQP.Transport("")
	if err != nil {
		return nil, nil, err
	}
	pub, err := wmamqp.NewPublisher(amqpCfg, logger)
	return pub, nil, err
}

func openSQL(cfg WatermillConfig, logger watermill.LoggerAdapter) (message.Publisher, func() error, error) {
	schema, _, err := cfg.SQL.Adapters()
	if err != nil {
		return nil, nil, err
	}
	db, err := sql.Open(cfg.SQL.Driver, cfg.SQL.DSN)
	if err != nil {
		return nil, nil, err
	}
	pub, err := wmsql.NewPublisher(db, wmsql.PublisherConfig{
		SchemaAdapter:        schema,
		AutoInitializeSchema: cfg.SQL.AutoInitializeSchema,
	}, logger)
	if err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	return pub, db.Close, nil
}

type watermillPublisher struct {
	publisher message.Publisher
	closeFn   func() error
	retry     PublishRetryConfig
}

// Publish sends the notice as JSON with its identifying fields copied into
// the message metadata, retrying per the publish_retry settings.
func (w *watermillPublisher) Publish(ctx context.Context, topic string, notice Notice) error {
	payload, err := json.Marshal(notice)
	if err != nil {
		return err
	}

	attempts := max(w.retry.Attempts, 1)
	delay := time.Duration(w.retry.DelayMS) * time.Millisecond

	for i := 0; ; i++ {
		msg := message.NewMessage(watermill.NewUUID(), payload)
		msg.Metadata.Set("delivery_id", notice.DeliveryID)
		msg.Metadata.Set("event", notice.Event)
		msg.Metadata.Set("action", notice.Action)
		msg.Metadata.Set("topic", topic)
		msg.SetContext(ctx)

		err = w.publisher.Publish(topic, msg)
		if err == nil || i+1 >= attempts {
			return err
		}
		select {
		case <-ctx.Done():
			return errors.Join(err, ctx.Err())
		case <-time.After(delay):
		}
	}
}

func (w *watermillPublisher) PublishForDrivers(ctx context.Context, topic string, notice Notice, _ []string) error {
	return w.Publish(ctx, topic, notice)
}

func (w *watermillPublisher) Close() error {
	err := w.publisher.Close()
	if w.closeFn != nil {
		err = errors.Join(err, w.closeFn())
	}
	return err
}

type publisherMux struct {
	publishers     map[string]Publisher
	defaultDrivers []string
}

func (m *publisherMux) Publish(ctx context.Context, topic string, notice Notice) error {
	return m.PublishForDrivers(ctx, topic, notice, nil)
}

// PublishForDrivers fans out to the named drivers, or every opened driver
// when none are named. Each failed driver is counted and joined into the error.
func (m *publisherMux) PublishForDrivers(ctx context.Context, topic string, notice Notice, drivers []string) error {
	if len(drivers) == 0 {
		drivers = m.defaultDrivers
	}

	var err error
	for _, driver := range drivers {
		key := strings.ToLower(driver)
		pub, ok := m.publishers[key]
		if !ok {
			err = errors.Join(err, fmt.Errorf("unknown driver %s", driver))
			continue
		}
		if publishErr := pub.Publish(ctx, topic, notice); publishErr != nil {
			IncPublishError(key)
			err = errors.Join(err, fmt.Errorf("%s: %w", key, publishErr))
		}
	}
	return err
}

func (m *publisherMux) Close() error {
	var err error
	for _, pub := range m.publishers {
		err = errors.Join(err, pub.Close())
	}
	return err
}

// httpTargetURL resolves the endpoint a topic is posted to. In topic_url mode
// the topic is the URL; in base_url mode it is appended as a path segment.
func httpTargetURL(cfg HTTPConfig, topic string) (string, error) {
	switch strings.ToLower(cfg.Mode) {
	case "topic_url":
		if topic == "" {
			return "", fmt.Errorf("http topic url is empty")
		}
		return topic, nil
	case "base_url":
		if cfg.BaseURL == "" {
			return "", fmt.Errorf("http base_url is empty")
		}
		base := strings.TrimRight(cfg.BaseURL, "/")
		if topic == "" {
			return base, nil
		}
		return base + "/" + strings.TrimLeft(topic, "/"), nil
	default:
		return "", fmt.Errorf("unsupported http mode: %s", cfg.Mode)
	}
}
