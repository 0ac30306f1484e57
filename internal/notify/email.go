package notify

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/resend/resend-go/v2"

	"github.com/cfxdevkit/cas-sub000/internal/domain"
)

type Sender interface {
	Send(ctx context.Context, to, subject, body string) error
}

// LogSender logs emails instead of sending them — used in ENV=local.
type LogSender struct {
	logger *slog.Logger
}

func (s *LogSender) Send(_ context.Context, to, subject, body string) error {
	s.logger.Info("notification email (local dev)", "to", to, "subject", subject, "body", body)
	return nil
}

// ResendSender sends emails via the Resend API — used in staging/production.
type ResendSender struct {
	client *resend.Client
	from   string
}

func (s *ResendSender) Send(ctx context.Context, to, subject, body string) error {
	params := &resend.SendEmailRequest{
		From:    s.from,
		To:      []string{to},
		Subject: subject,
		Html:    body,
	}
	_, err := s.client.Emails.SendWithContext(ctx, params)
	if err != nil {
		return fmt.Errorf("send email: %w", err)
	}
	return nil
}

// NewSender returns a LogSender for ENV=local, ResendSender otherwise.
func NewSender(env, apiKey, from string, logger *slog.Logger) Sender {
	if env == "local" {
		return &LogSender{logger: logger}
	}
	return &ResendSender{
		client: resend.NewClient(apiKey),
		from:   from,
	}
}

// EmailNotifier tells strategy owners about jobs the keeper gave up on.
// Owner identifiers map to notification addresses through the directory
// lookup supplied at construction (the API layer records it at signup).
type EmailNotifier struct {
	sender Sender
	lookup func(ctx context.Context, owner string) (string, error)
	logger *slog.Logger
}

func NewEmailNotifier(sender Sender, lookup func(ctx context.Context, owner string) (string, error), logger *slog.Logger) *EmailNotifier {
	return &EmailNotifier{
		sender: sender,
		lookup: lookup,
		logger: logger.With("component", "notifier"),
	}
}

// PermanentFailure emails the owner that their strategy exhausted its retry
// budget. Best-effort: a notification failure is logged, never propagated
// into the engine.
func (n *EmailNotifier) PermanentFailure(ctx context.Context, job *domain.Job, reason string) {
	addr, err := n.lookup(ctx, job.Owner)
	if err != nil {
		n.logger.Warn("no notification address for owner", "job_id", job.ID, "owner", job.Owner, "error", err)
		return
	}

	subject := fmt.Sprintf("Strategy %s stopped after repeated failures", job.ID)
	body := fmt.Sprintf(
		"<p>Your %s strategy <code>%s</code> failed %d times and will not be retried.</p><p>Last error: %s</p>",
		job.Kind, job.ID, job.Retries, reason,
	)
	if err := n.sender.Send(ctx, addr, subject, body); err != nil {
		n.logger.Warn("send failure notification", "job_id", job.ID, "error", err)
	}
}
