// Package alerts routes operator notifications by severity without ever
// blocking a trading loop. Delivery is best effort through a bounded mailbox;
// when the mailbox is full the oldest alert is dropped and the drop is logged.
package alerts

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"daytrader/internal/models"
)

// Alert is one operator notification.
type Alert struct {
	Severity models.Severity
	Source   string // component that raised it
	Title    string
	Message  string
	At       time.Time
}

// Sink delivers alerts to an operator channel (log, chat webhook, pager).
type Sink interface {
	Deliver(ctx context.Context, a Alert) error
}

// Notifier fans alerts out to a sink through a bounded mailbox. Send never
// blocks: callers on the trading path fire and forget.
type Notifier struct {
	logger  *logrus.Logger
	sink    Sink
	mailbox chan Alert

	mu      sync.Mutex
	dropped int64
}

const defaultMailboxSize = 256

// NewNotifier creates a Notifier with the given sink. A mailboxSize <= 0
// uses the default.
func NewNotifier(sink Sink, logger *logrus.Logger, mailboxSize int) *Notifier {
	if mailboxSize <= 0 {
		mailboxSize = defaultMailboxSize
	}
	return &Notifier{
		logger:  logger,
		sink:    sink,
		mailbox: make(chan Alert, mailboxSize),
	}
}

// Send enqueues an alert. When the mailbox is full the oldest pending alert
// is evicted so the freshest state always gets through.
func (n *Notifier) Send(a Alert) {
	if a.At.IsZero() {
		a.At = time.Now()
	}
	for {
		select {
		case n.mailbox <- a:
			return
		default:
		}
		select {
		case old := <-n.mailbox:
			n.mu.Lock()
			n.dropped++
			n.mu.Unlock()
			n.logger.WithFields(logrus.Fields{
				"severity": old.Severity,
				"title":    old.Title,
			}).Warn("alert mailbox full, dropped oldest alert")
		default:
		}
	}
}

// Info is shorthand for an info-severity alert.
func (n *Notifier) Info(source, title, message string) {
	n.Send(Alert{Severity: models.SeverityInfo, Source: source, Title: title, Message: message})
}

// Warning is shorthand for a warning-severity alert.
func (n *Notifier) Warning(source, title, message string) {
	n.Send(Alert{Severity: models.SeverityWarning, Source: source, Title: title, Message: message})
}

// Critical is shorthand for a critical-severity alert.
func (n *Notifier) Critical(source, title, message string) {
	n.Send(Alert{Severity: models.SeverityCritical, Source: source, Title: title, Message: message})
}

// Dropped reports how many alerts have been evicted so far.
func (n *Notifier) Dropped() int64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.dropped
}

// Run drains the mailbox until ctx is canceled. Delivery failures are logged
// and never retried; the alert channel is advisory, not transactional.
func (n *Notifier) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case a := <-n.mailbox:
			if err := n.sink.Deliver(ctx, a); err != nil {
				n.logger.WithError(err).WithField("title", a.Title).Error("alert delivery failed")
			}
		}
	}
}

// LogSink writes alerts to the structured log, mapping severity to level.
type LogSink struct {
	Logger *logrus.Logger
}

var _ Sink = (*LogSink)(nil)

func (s *LogSink) Deliver(_ context.Context, a Alert) error {
	entry := s.Logger.WithFields(logrus.Fields{
		"source": a.Source,
		"title":  a.Title,
	})
	switch a.Severity {
	case models.SeverityCritical:
		entry.Error(a.Message)
	case models.SeverityWarning:
		entry.Warn(a.Message)
	default:
		entry.Info(a.Message)
	}
	return nil
}
