package internal

import (
	"errors"
	"reflect"
	"testing"
	"time"
)

func TestDriverList(t *testing.T) {
	cases := []struct {
		cfg  WatermillConfig
		want []string
	}{
		{WatermillConfig{}, []string{"gochannel"}},
		{WatermillConfig{Driver: "Kafka"}, []string{"kafka"}},
		{WatermillConfig{Driver: "gochannel", Drivers: []string{"amqp", " AMQP ", "sql"}}, []string{"amqp", "sql"}},
	}
	for _, tc := range cases {
		if got := tc.cfg.DriverList(); !reflect.DeepEqual(got, tc.want) {
			t.Fatalf("DriverList(%+v) = %v, want %v", tc.cfg, got, tc.want)
		}
	}
}

func TestCheckDriverReportsSetting(t *testing.T) {
	err := WatermillConfig{}.CheckDriver("amqp")
	var configErr *ConfigurationError
	if !errors.As(err, &configErr) || configErr.Setting != "watermill.amqp.url" {
		t.Fatalf("expected amqp url configuration error, got %v", err)
	}
	if err := (WatermillConfig{HTTP: HTTPConfig{Mode: "base_url"}}).CheckDriver("http"); err == nil {
		t.Fatalf("expected base_url mode without a base url to fail")
	}
	if err := (WatermillConfig{}).CheckDriver("gochannel"); err != nil {
		t.Fatalf("gochannel needs no settings, got %v", err)
	}
}

func TestTransportModes(t *testing.T) {
	if _, err := (AMQPConfig{URL: "amqp://localhost", Mode: "durable_pubsub"}).Transport("audit"); err != nil {
		t.Fatalf("durable_pubsub: %v", err)
	}
	if _, err := (AMQPConfig{URL: "amqp://localhost", Mode: "bogus"}).Transport(""); err == nil {
		t.Fatalf("expected unsupported mode error")
	}
	if _, _, err := (SQLConfig{Dialect: "sqlite"}).Adapters(); err == nil {
		t.Fatalf("expected unsupported dialect error")
	}
	if opts := (NATSConfig{}).StanOptions(); opts != nil {
		t.Fatalf("expected no options without a url")
	}
}

func TestConnectRetryStopsOnConfigurationError(t *testing.T) {
	calls := 0
	_, err := ConnectRetry(5, time.Millisecond, func() (int, error) {
		calls++
		return 0, &ConfigurationError{Setting: "x", Reason: "required"}
	})
	if err == nil || calls != 1 {
		t.Fatalf("expected a single attempt, got %d calls err=%v", calls, err)
	}

	calls = 0
	got, err := ConnectRetry(5, time.Millisecond, func() (int, error) {
		calls++
		if calls < 3 {
			return 0, errors.New("connection refused")
		}
		return 7, nil
	})
	if err != nil || got != 7 || calls != 3 {
		t.Fatalf("expected success on third attempt, got %d after %d calls err=%v", got, calls, err)
	}
}
