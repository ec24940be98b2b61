// Package events publishes job-lifecycle notifications (started, completed,
// failed) to an external event bus so other services can observe an
// orchestrator run without polling the webhook/HTTP surface. It is
// supplemental: if no NATS URL is configured the orchestrator runs exactly
// as it would without this package.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/agentrunner/agentrunner/internal/common/logger"
)

// Publisher publishes job-lifecycle events to a NATS subject.
type Publisher struct {
	conn    *nats.Conn
	subject string
	log     *logger.Logger
}

// NewPublisher connects to the given NATS URL and returns a Publisher that
// emits to subject. Connection options mirror the reconnect/backoff
// discipline used elsewhere for long-lived outbound connections: bounded
// reconnect attempts, a buffered reconnect window, and logged transitions
// rather than silent drops.
func NewPublisher(url, subject string, log *logger.Logger) (*Publisher, error) {
	log = log.WithFields(zap.String("component", "events"))

	opts := []nats.Option{
		nats.Name("agentrunner"),
		nats.MaxReconnects(10),
		nats.ReconnectWait(2 * time.Second),
		nats.ReconnectBufSize(5 * 1024 * 1024),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				log.Warn("NATS disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			log.Info("NATS connection closed")
		}),
	}

	conn, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS: %w", err)
	}

	if subject == "" {
		subject = "agentrunner.jobs"
	}

	return &Publisher{conn: conn, subject: subject, log: log}, nil
}

// Started publishes a job.started event.
func (p *Publisher) Started(conversationID, repository string) {
	p.publish(newEvent(JobStarted, conversationID, map[string]interface{}{
		"repository": repository,
	}))
}

// Completed publishes a job.completed or job.failed event depending on the
// outcome's success flag.
func (p *Publisher) Completed(conversationID string, success bool, iterations int, iterationError string) {
	eventType := JobCompleted
	if !success {
		eventType = JobFailed
	}
	data := map[string]interface{}{
		"success":    success,
		"iterations": iterations,
	}
	if iterationError != "" {
		data["iterationError"] = iterationError
	}
	p.publish(newEvent(eventType, conversationID, data))
}

func (p *Publisher) publish(event *Event) {
	if p == nil || p.conn == nil {
		return
	}
	data, err := json.Marshal(event)
	if err != nil {
		p.log.Error("failed to marshal event", zap.String("type", event.Type), zap.Error(err))
		return
	}
	if err := p.conn.Publish(p.subject, data); err != nil {
		p.log.Error("failed to publish event",
			zap.String("subject", p.subject),
			zap.String("type", event.Type),
			zap.Error(err))
	}
}

// Close drains and closes the underlying NATS connection.
func (p *Publisher) Close() {
	if p == nil || p.conn == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	done := make(chan struct{})
	go func() {
		if err := p.conn.Drain(); err != nil {
			p.log.Warn("error draining NATS connection", zap.Error(err))
			p.conn.Close()
		}
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		p.conn.Close()
	}
}
