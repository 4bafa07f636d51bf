// Package alert surfaces systemic stage failures to operators.
package alert

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/slack-go/slack"
)

// Alert describes a stage run that was aborted.
type Alert struct {
	Stage  string
	Bucket time.Time
	Err    error
}

func (a Alert) Summary() string {
	return fmt.Sprintf("netintel %s run for %s aborted", a.Stage, a.Bucket.UTC().Format(time.RFC3339))
}

type Notifier interface {
	Notify(ctx context.Context, a Alert) error
}

// Log writes alerts to the logger at error level.
type Log struct {
	log *slog.Logger
}

func NewLog(log *slog.Logger) *Log {
	return &Log{log: log}
}

func (l *Log) Notify(_ context.Context, a Alert) error {
	l.log.Error(a.Summary(), "stage", a.Stage, "bucket", a.Bucket, "error", a.Err)
	return nil
}

// Slack posts alerts to an incoming webhook.
type Slack struct {
	log        *slog.Logger
	webhookURL string
	channel    string
}

func NewSlack(log *slog.Logger, webhookURL, channel string) (*Slack, error) {
	if webhookURL == "" {
		return nil, errors.New("webhook url is required")
	}
	return &Slack{log: log, webhookURL: webhookURL, channel: channel}, nil
}

func (s *Slack) Notify(ctx context.Context, a Alert) error {
	detail := "unknown error"
	if a.Err != nil {
		detail = a.Err.Error()
	}
	msg := &slack.WebhookMessage{
		Channel: s.channel,
		Text:    a.Summary(),
		Blocks: &slack.Blocks{BlockSet: []slack.Block{
			slack.NewHeaderBlock(slack.NewTextBlockObject(slack.PlainTextType, a.Summary(), false, false)),
			slack.NewSectionBlock(nil, []*slack.TextBlockObject{
				slack.NewTextBlockObject(slack.MarkdownType, "*Stage*\n"+a.Stage, false, false),
				slack.NewTextBlockObject(slack.MarkdownType, "*Bucket*\n"+a.Bucket.UTC().Format(time.RFC3339), false, false),
			}, nil),
			slack.NewSectionBlock(slack.NewTextBlockObject(slack.MarkdownType, "```"+detail+"```", false, false), nil, nil),
		}},
	}
	if err := slack.PostWebhookContext(ctx, s.webhookURL, msg); err != nil {
		s.log.Warn("Failed to post slack alert", "stage", a.Stage, "error", err)
		return fmt.Errorf("failed to post slack webhook: %w", err)
	}
	return nil
}

// Multi fans an alert out to every notifier and joins their errors.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, a Alert) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, a); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
