package service

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/textproto"
	"strings"
	"time"

	"github.com/nikoksr/notify"
	"github.com/nikoksr/notify/service/mail"
)

// Notifier is told about batches in which at least one delivery failed.
type Notifier interface {
	NotifyFailures(ctx context.Context, res Result) error
}

// MailNotifier e-mails a summary of failed deliveries to operators.
type MailNotifier struct {
	smtpHost     string
	smtpPort     int
	smtpUser     string
	smtpPassword string
	recipients   []string
	timeout      time.Duration
}

// NewMailNotifier returns a notifier for the given SMTP relay. timeout bounds
// the dial and the wait for the server greeting; zero means 10 seconds.
func NewMailNotifier(smtpHost string, smtpPort int, smtpUser, smtpPassword string, recipients []string, timeout time.Duration) *MailNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &MailNotifier{
		smtpHost:     smtpHost,
		smtpPort:     smtpPort,
		smtpUser:     smtpUser,
		smtpPassword: smtpPassword,
		recipients:   recipients,
		timeout:      timeout,
	}
}

func (n *MailNotifier) NotifyFailures(ctx context.Context, res Result) error {
	if len(res.Failures) == 0 || len(n.recipients) == 0 {
		return nil
	}

	subject, body := failureSummary(res)
	addr := net.JoinHostPort(n.smtpHost, fmt.Sprint(n.smtpPort))

	// The mail service dials without a deadline, so an unreachable or mute
	// relay is caught here first.
	if err := checkGreeting(ctx, addr, n.timeout); err != nil {
		return fmt.Errorf("smtp %s: %w", addr, err)
	}

	// nikoksr/notify accumulates receivers across AddReceivers calls, so the
	// mail service is built fresh for every send.
	mailSvc := mail.New(n.smtpUser, addr)
	mailSvc.AuthenticateSMTP("", n.smtpUser, n.smtpPassword, n.smtpHost)
	mailSvc.AddReceivers(n.recipients...)

	notifier := notify.New()
	notifier.UseServices(mailSvc)

	errc := make(chan error, 1)
	go func() { errc <- notifier.Send(ctx, subject, body) }()
	select {
	case err := <-errc:
		if err != nil {
			return fmt.Errorf("send email: %w", err)
		}
	case <-ctx.Done():
		return fmt.Errorf("send email: %w", ctx.Err())
	}

	slog.Info("failure summary sent",
		"batch_id", res.BatchID,
		"failures", len(res.Failures),
		"recipients", len(n.recipients),
	)
	return nil
}

// checkGreeting dials addr and waits for the 220 banner, giving up after
// timeout.
func checkGreeting(ctx context.Context, addr string, timeout time.Duration) error {
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	defer conn.Close()

	deadline := time.Now().Add(timeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return err
	}

	tp := textproto.NewConn(conn)
	if _, _, err := tp.ReadResponse(220); err != nil {
		return fmt.Errorf("greeting: %w", err)
	}
	tp.PrintfLine("QUIT")
	return nil
}

func failureSummary(res Result) (string, string) {
	subject := fmt.Sprintf("[Datagate] %d of %d deliveries failed in batch %s",
		len(res.Failures), len(res.Failures)+res.Forwarded, res.BatchID)

	var b strings.Builder
	fmt.Fprintf(&b, "Batch: %s\nEvents: %d\nSkipped: %d\nForwarded: %d\n\n",
		res.BatchID, res.Events, res.Skipped, res.Forwarded)
	for _, f := range res.Failures {
		fmt.Fprintf(&b, "Asset: %s\nDevice: %s\nCause: %s\n\n", f.AssetName, f.DeviceID, f.Cause)
	}
	return subject, b.String()
}
