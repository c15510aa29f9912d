package internal

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/lib/pq"
)

// riverQueuePublisher turns each notice into a row of a river job table so a
// river worker fleet elsewhere can consume deliveries as jobs.
type riverQueuePublisher struct {
	db     *sql.DB
	cfg    RiverQueueConfig
	insert string
}

func newRiverQueuePublisher(cfg RiverQueueConfig) (*riverQueuePublisher, error) {
	driver := cfg.Driver
	if driver == "" {
		driver = "postgres"
	}
	db, err := sql.Open(driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open riverqueue db: %w", err)
	}
	return &riverQueuePublisher{db: db, cfg: cfg, insert: riverInsertQuery(cfg.Table)}, nil
}

func (p *riverQueuePublisher) Publish(ctx context.Context, topic string, notice Notice) error {
	args, err := json.Marshal(notice)
	if err != nil {
		return err
	}
	metadata, err := json.Marshal(jobMetadata(topic, notice))
	if err != nil {
		return err
	}

	tags := append([]string{"event:" + notice.Event}, p.cfg.Tags...)
	_, err = p.db.ExecContext(ctx, p.insert,
		string(args),
		p.cfg.Kind,
		p.cfg.MaxAttempts,
		string(metadata),
		p.cfg.Priority,
		p.cfg.Queue,
		pq.Array(tags),
	)
	if err != nil {
		return fmt.Errorf("insert river job for delivery %s: %w", notice.DeliveryID, err)
	}
	return nil
}

func (p *riverQueuePublisher) PublishForDrivers(ctx context.Context, topic string, notice Notice, _ []string) error {
	return p.Publish(ctx, topic, notice)
}

func (p *riverQueuePublisher) Close() error {
	return p.db.Close()
}

func jobMetadata(topic string, notice Notice) map[string]string {
	meta := map[string]string{
		"delivery_id": notice.DeliveryID,
		"event":       notice.Event,
		"topic":       topic,
	}
	if notice.Action != "" {
		meta["action"] = notice.Action
	}
	if notice.InstallationID != 0 {
		meta["installation_id"] = strconv.FormatInt(notice.InstallationID, 10)
	}
	if notice.RepositoryID != 0 {
		meta["repository_id"] = strconv.FormatInt(notice.RepositoryID, 10)
	}
	return meta
}

func riverInsertQuery(table string) string {
	table = strings.TrimSpace(table)
	if table == "" {
		table = "river_job"
	}
	return fmt.Sprintf(
		`INSERT INTO %s (args, kind, max_attempts, metadata, priority, queue, scheduled_at, tags)
VALUES ($1, $2, $3, $4, $5, $6, now(), $7)`,
		pq.QuoteIdentifier(table),
	)
}
