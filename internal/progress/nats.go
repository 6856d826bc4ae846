package progress

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/unalkalkan/TwelveNarrator/pkg/types"
)

// NATSPublisher publishes snapshots on <prefix>.<job_id>
type NATSPublisher struct {
	conn   *nats.Conn
	prefix string
}

// NewNATSPublisher connects to the configured NATS server
func NewNATSPublisher(cfg types.NATSConfig) (*NATSPublisher, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("nats url is required")
	}

	timeout := time.Duration(cfg.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	options := []nats.Option{
		nats.Name("twelvenarrator-progress"),
		nats.Timeout(timeout),
	}
	if cfg.Token != "" {
		options = append(options, nats.Token(cfg.Token))
	}

	conn, err := nats.Connect(cfg.URL, options...)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}

	prefix := strings.TrimSuffix(cfg.SubjectPrefix, ".")
	if prefix == "" {
		prefix = "narration.progress"
	}

	log.Printf("[NATS] Publishing progress on %s.<job_id> via %s", prefix, cfg.URL)
	return &NATSPublisher{conn: conn, prefix: prefix}, nil
}

func (p *NATSPublisher) Name() string {
	return "nats"
}

// Subject returns the subject snapshots of jobID are published on
func (p *NATSPublisher) Subject(jobID string) string {
	return p.prefix + "." + jobID
}

func (p *NATSPublisher) Publish(ctx context.Context, snap types.ProgressSnapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	if err := p.conn.Publish(p.Subject(snap.JobID), data); err != nil {
		return fmt.Errorf("publish snapshot: %w", err)
	}
	return nil
}

// Healthy reports whether the connection is up
func (p *NATSPublisher) Healthy() bool {
	return p.conn != nil && p.conn.Status() == nats.CONNECTED
}

func (p *NATSPublisher) Close() error {
	if p.conn == nil {
		return nil
	}
	err := p.conn.Drain()
	p.conn.Close()
	return err
}
