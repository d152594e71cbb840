// Package notify announces published wheels on the message bus.
package notify

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"
)

const (
	DefaultSubject = "wheel.published"
	EventType      = "wheel.published"
)

type Publisher interface {
	Publish(ctx context.Context, subject string, payload []byte) error
}

type Event struct {
	Type        string    `json:"type"`
	RunID       string    `json:"run_id"`
	Package     string    `json:"package"`
	Version     string    `json:"version"`
	Filenames   []string  `json:"filenames"`
	IndexURL    string    `json:"index_url"`
	PublishedAt time.Time `json:"published_at"`
}

type Notifier struct {
	pub     Publisher
	subject string
	logger  *zap.Logger
}

func New(pub Publisher, subject string, logger *zap.Logger) *Notifier {
	if subject == "" {
		subject = DefaultSubject
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Notifier{pub: pub, subject: subject, logger: logger}
}

// Published emits the event. Delivery problems are logged and reported back
// but callers treat them as warnings.
func (n *Notifier) Published(ctx context.Context, ev Event) error {
	ev.Type = EventType
	if ev.PublishedAt.IsZero() {
		ev.PublishedAt = time.Now().UTC()
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if err := n.pub.Publish(ctx, n.subject, payload); err != nil {
		n.logger.Warn("publish notification failed", zap.String("subject", n.subject), zap.Error(err))
		return err
	}
	n.logger.Info("publish notification sent",
		zap.String("subject", n.subject),
		zap.String("run_id", ev.RunID),
		zap.Int("wheels", len(ev.Filenames)))
	return nil
}
