package utils

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"
)

// OutboundEmail is one fully rendered message handed to the send boundary.
type OutboundEmail struct {
	FromEmail string
	FromName  string
	To        string
	Subject   string
	HTMLBody  string

	// IdempotencyKey identifies the (sequence, step) attempt so a replay
	// after a crash can be detected and suppressed at the boundary.
	IdempotencyKey string
}

// Mailer delivers one message with a delegated access token and returns the
// provider's message ID.
type Mailer interface {
	Send(ctx context.Context, accessToken string, email OutboundEmail) (string, error)
}

// SendFailureError is a rejection from the mail provider: auth, rate limit or
// provider-side error. The queue processor treats these as stall conditions,
// not retryable in-cycle.
type SendFailureError struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *SendFailureError) Error() string {
	return fmt.Sprintf("%s rejected send (status %d): %s", e.Provider, e.StatusCode, e.Body)
}

// GmailMailer sends through the Gmail REST API on behalf of the sender the
// access token was delegated for.
type GmailMailer struct {
	httpClient *http.Client
	baseURL    string
	logger     *log.Logger
}

const gmailBaseURL = "https://gmail.googleapis.com"

func NewGmailMailer(logger *log.Logger) *GmailMailer {
	return &GmailMailer{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		baseURL:    gmailBaseURL,
		logger:     logger,
	}
}

// NewGmailMailerWithBaseURL points the mailer at a different API host; tests
// use it with httptest.
func NewGmailMailerWithBaseURL(baseURL string, logger *log.Logger) *GmailMailer {
	m := NewGmailMailer(logger)
	m.baseURL = baseURL
	return m
}

type gmailSendRequest struct {
	Raw string `json:"raw"`
}

type gmailSendResponse struct {
	ID       string `json:"id"`
	ThreadID string `json:"threadId"`
}

func (m *GmailMailer) Send(ctx context.Context, accessToken string, email OutboundEmail) (string, error) {
	raw := base64.RawURLEncoding.EncodeToString(buildMIMEMessage(email))

	payload, err := json.Marshal(gmailSendRequest{Raw: raw})
	if err != nil {
		return "", err
	}

	url := m.baseURL + "/gmail/v1/users/me/messages/send"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return "", &SendFailureError{Provider: "gmail", Body: err.Error()}
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", &SendFailureError{Provider: "gmail", StatusCode: resp.StatusCode, Body: string(body)}
	}

	var sendResp gmailSendResponse
	if err := json.Unmarshal(body, &sendResp); err != nil {
		return "", fmt.Errorf("decode gmail response: %w", err)
	}

	m.logger.Printf("Sent message %s to %s", sendResp.ID, email.To)
	return sendResp.ID, nil
}

// buildMIMEMessage assembles the RFC 2822 payload Gmail expects inside the
// base64url "raw" field. The idempotency key rides along as a reference
// header so duplicate attempts are traceable on the provider side.
func buildMIMEMessage(email OutboundEmail) []byte {
	var buf bytes.Buffer
	if email.FromName != "" {
		fmt.Fprintf(&buf, "From: %s <%s>\r\n", email.FromName, email.FromEmail)
	} else {
		fmt.Fprintf(&buf, "From: %s\r\n", email.FromEmail)
	}
	fmt.Fprintf(&buf, "To: %s\r\n", email.To)
	fmt.Fprintf(&buf, "Subject: %s\r\n", email.Subject)
	if email.IdempotencyKey != "" {
		fmt.Fprintf(&buf, "X-Entity-Ref-ID: %s\r\n", email.IdempotencyKey)
	}
	buf.WriteString("MIME-Version: 1.0\r\n")
	buf.WriteString("Content-Type: text/html; charset=\"UTF-8\"\r\n")
	buf.WriteString("\r\n")
	buf.WriteString(email.HTMLBody)
	return buf.Bytes()
}
