package internal

import (
	"errors"
	"strings"
	"time"

	wmamqp "github.com/ThreeDotsLabs/watermill-amqp/pkg/amqp"
	wmsql "github.com/ThreeDotsLabs/watermill-sql/pkg/sql"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	stan "github.com/nats-io/stan.go"
)

// DriverList returns the configured notice drivers, lowercased and without
// duplicates. Drivers wins over Driver; an empty configuration means gochannel.
func (c WatermillConfig) DriverList() []string {
	raw := c.Drivers
	if len(raw) == 0 {
		raw = []string{c.Driver}
	}
	seen := make(map[string]struct{}, len(raw))
	out := make([]string, 0, len(raw))
	for _, driver := range raw {
		driver = strings.ToLower(strings.TrimSpace(driver))
		if driver == "" {
			continue
		}
		if _, ok := seen[driver]; ok {
			continue
		}
		seen[driver] = struct{}{}
		out = append(out, driver)
	}
	if len(out) == 0 {
		out = append(out, "gochannel")
	}
	return out
}

// CheckDriver reports the settings a driver cannot connect without.
// Drivers it does not know about pass; their factories decide.
func (c WatermillConfig) CheckDriver(driver string) error {
	missing := func(setting string) error {
		return &ConfigurationError{Setting: "watermill." + setting, Reason: "required"}
	}
	switch strings.ToLower(driver) {
	case "kafka":
		if len(c.Kafka.Brokers) == 0 {
			return missing("kafka.brokers")
		}
	case "nats":
		if c.NATS.ClusterID == "" || c.NATS.ClientID == "" {
			return missing("nats.cluster_id and watermill.nats.client_id")
		}
	case "amqp":
		if c.AMQP.URL == "" {
			return missing("amqp.url")
		}
	case "sql":
		if c.SQL.Driver == "" || c.SQL.DSN == "" {
			return missing("sql.driver and watermill.sql.dsn")
		}
	case "http":
		mode := strings.ToLower(c.HTTP.Mode)
		if mode != "topic_url" && mode != "base_url" {
			return &ConfigurationError{Setting: "watermill.http.mode", Reason: "unsupported mode " + c.HTTP.Mode}
		}
		if mode == "base_url" && c.HTTP.BaseURL == "" {
			return missing("http.base_url")
		}
	case "riverqueue":
		if c.RiverQueue.DSN == "" {
			return missing("riverqueue.dsn")
		}
	}
	return nil
}

// Channel converts the settings for the in-process transport.
func (c GoChannelConfig) Channel() gochannel.Config {
	return gochannel.Config{
		OutputChannelBuffer:            c.OutputChannelBuffer,
		Persistent:                     c.Persistent,
		BlockPublishUntilSubscriberAck: c.BlockPublishUntilSubscriberAck,
	}
}

// StanOptions points the streaming connection at URL when one is set.
func (c NATSConfig) StanOptions() []stan.Option {
	if c.URL == "" {
		return nil
	}
	return []stan.Option{stan.NatsURL(c.URL)}
}

// Transport builds the broker config for the configured mode. queueSuffix
// separates consumer groups in the pubsub modes and is empty for publishers.
func (c AMQPConfig) Transport(queueSuffix string) (wmamqp.Config, error) {
	queueName := wmamqp.GenerateQueueNameTopicName
	if queueSuffix != "" {
		queueName = wmamqp.GenerateQueueNameTopicNameWithSuffix(queueSuffix)
	}
	switch strings.ToLower(c.Mode) {
	case "", "durable_queue":
		return wmamqp.NewDurableQueueConfig(c.URL), nil
	case "nondurable_queue":
		return wmamqp.NewNonDurableQueueConfig(c.URL), nil
	case "durable_pubsub":
		return wmamqp.NewDurablePubSubConfig(c.URL, queueName), nil
	case "nondurable_pubsub":
		return wmamqp.NewNonDurablePubSubConfig(c.URL, queueName), nil
	default:
		return wmamqp.Config{}, &ConfigurationError{Setting: "watermill.amqp.mode", Reason: "unsupported mode " + c.Mode}
	}
}

// Adapters returns the schema and offsets adapters for the SQL dialect.
func (c SQLConfig) Adapters() (wmsql.SchemaAdapter, wmsql.OffsetsAdapter, error) {
	switch strings.ToLower(c.Dialect) {
	case "postgres", "postgresql":
		return wmsql.DefaultPostgreSQLSchema{}, wmsql.DefaultPostgreSQLOffsetsAdapter{}, nil
	case "mysql":
		return wmsql.DefaultMySQLSchema{}, wmsql.DefaultMySQLOffsetsAdapter{}, nil
	default:
		return nil, nil, &ConfigurationError{Setting: "watermill.sql.dialect", Reason: "unsupported dialect " + c.Dialect}
	}
}

// ConnectRetry calls connect until it succeeds, a ConfigurationError comes
// back, or attempts run out. Brokers started alongside the service are often
// not listening yet.
func ConnectRetry[T any](attempts int, delay time.Duration, connect func() (T, error)) (T, error) {
	var zero T
	var lastErr error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			time.Sleep(delay)
		}
		conn, err := connect()
		if err == nil {
			return conn, nil
		}
		lastErr = err
		var config *ConfigurationError
		if errors.As(err, &config) {
			break
		}
	}
	return zero, lastErr
}
