package utils

import (
	"fmt"
	"log"
	"strings"
	"time"

	"gopkg.in/gomail.v2"

	"salesdash/config"
)

// AlertMailer emails the operator when a processing cycle leaves sequences
// stalled. It is the alerting channel for failures the queue processor does
// not retry.
type AlertMailer struct {
	smtp   config.SMTPConfig
	to     string
	logger *log.Logger
}

func NewAlertMailer(smtp config.SMTPConfig, to string, logger *log.Logger) *AlertMailer {
	return &AlertMailer{smtp: smtp, to: to, logger: logger}
}

// Enabled reports whether alerting is configured at all.
func (am *AlertMailer) Enabled() bool {
	return am.smtp.Host != "" && am.to != ""
}

// SendCycleReport mails the per-item error list from one queue cycle.
func (am *AlertMailer) SendCycleReport(cycleErrors []string) error {
	if !am.Enabled() || len(cycleErrors) == 0 {
		return nil
	}

	var body strings.Builder
	body.WriteString("<html><body>")
	fmt.Fprintf(&body, "<h2>Sequence queue cycle reported %d error(s)</h2><ul>", len(cycleErrors))
	for _, e := range cycleErrors {
		fmt.Fprintf(&body, "<li>%s</li>", e)
	}
	body.WriteString("</ul><p>Stalled sequences stay active but unscheduled until resumed.</p>")
	body.WriteString("</body></html>")

	m := gomail.NewMessage()
	m.SetHeader("From", am.smtp.From)
	m.SetHeader("To", am.to)
	m.SetHeader("Subject", fmt.Sprintf("[salesdash] sequence cycle errors (%d)", len(cycleErrors)))
	m.SetBody("text/html", body.String())

	d := gomail.NewDialer(am.smtp.Host, am.smtp.Port, am.smtp.Username, am.smtp.Password)

	maxRetries := 3
	var lastErr error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		if attempt > 1 {
			time.Sleep(time.Duration(attempt*attempt) * time.Second)
		}
		if lastErr = d.DialAndSend(m); lastErr == nil {
			return nil
		}
		am.logger.Printf("Alert mail attempt %d failed: %v", attempt, lastErr)
	}
	return fmt.Errorf("failed to send alert mail after %d attempts: %w", maxRetries, lastErr)
}
