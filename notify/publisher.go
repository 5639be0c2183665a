// Package notify publishes run events to NATS so other services can follow
// runs without holding an SSE connection.
package notify

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/petal-labs/runrelay/runtime"
)

// DefaultSubjectPrefix is the subject prefix used when none is configured.
const DefaultSubjectPrefix = "runrelay.runs"

// PublisherConfig configures a Publisher.
type PublisherConfig struct {
	Conn          *nats.Conn
	SubjectPrefix string
	Logger        *slog.Logger
}

// Publisher sends every event it handles to <prefix>.<runId>.<kind>.
type Publisher struct {
	conn   *nats.Conn
	prefix string
	logger *slog.Logger
}

// NewPublisher creates a Publisher on an established connection.
func NewPublisher(cfg PublisherConfig) (*Publisher, error) {
	if cfg.Conn == nil {
		return nil, errors.New("notify: nats connection is nil")
	}
	prefix := strings.Trim(strings.TrimSpace(cfg.SubjectPrefix), ".")
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	if strings.ContainsAny(prefix, " *>") {
		return nil, fmt.Errorf("notify: invalid subject prefix %q", cfg.SubjectPrefix)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Publisher{conn: cfg.Conn, prefix: prefix, logger: cfg.Logger}, nil
}

// Connect dials a NATS server with reconnects enabled.
func Connect(url string, logger *slog.Logger) (*nats.Conn, error) {
	if logger == nil {
		logger = slog.Default()
	}
	nc, err := nats.Connect(url,
		nats.Name("runrelay"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("notify: disconnected from nats", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("notify: reconnected to nats", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("notify: connect %s: %w", url, err)
	}
	return nc, nil
}

// Subject returns the subject an event is published on.
func (p *Publisher) Subject(e runtime.Event) string {
	return p.prefix + "." + token(e.RunID) + "." + token(string(e.Kind))
}

// Handle publishes the event. Failures are logged.
func (p *Publisher) Handle(e runtime.Event) {
	data, err := json.Marshal(e.Wire())
	if err != nil {
		p.logger.Warn("notify: marshal event", "run_id", e.RunID, "error", err)
		return
	}
	if err := p.conn.Publish(p.Subject(e), data); err != nil {
		p.logger.Warn("notify: publish event", "run_id", e.RunID, "kind", e.Kind, "error", err)
	}
}

// Flush waits until the server has processed every published event.
func (p *Publisher) Flush(timeout time.Duration) error {
	return p.conn.FlushTimeout(timeout)
}

// token makes s safe to use as a single subject token.
func token(s string) string {
	if s == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\n', '\r':
			return '_'
		}
		return r
	}, s)
}
