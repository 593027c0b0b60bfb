//go:build integration

// Package integration drives the mail ingestion pipeline against a local
// smtp4dev server.
package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const defaultSMTP4DevAPI = "http://localhost:8025/api/v3"

// SMTP4DevClient talks to the smtp4dev REST API to provision the support
// mailbox and observe what the helpdesk sends.
type SMTP4DevClient struct {
	base string
	http *http.Client
}

func NewSMTP4DevClient(base string, httpClient *http.Client) *SMTP4DevClient {
	base = strings.TrimRight(strings.TrimSpace(base), "/")
	if base == "" {
		base = defaultSMTP4DevAPI
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &SMTP4DevClient{base: base, http: httpClient}
}

// Mailbox is an smtp4dev mailbox reachable over IMAP/POP3 with Login.
type Mailbox struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	Login         string `json:"login"`
	MessagesCount int    `json:"messagesCount"`
}

// Message is the summary smtp4dev returns for a stored mail.
type Message struct {
	ID        string   `json:"id"`
	Subject   string   `json:"subject"`
	From      string   `json:"from"`
	To        []string `json:"to"`
	MailboxID string   `json:"mailboxId"`
}

func (c *SMTP4DevClient) CreateMailbox(ctx context.Context, name, login, password string) (*Mailbox, error) {
	payload := map[string]string{"name": name, "login": login, "password": password}
	var box Mailbox
	if err := c.call(ctx, http.MethodPost, "/mailboxes", payload, &box); err != nil {
		return nil, err
	}
	return &box, nil
}

func (c *SMTP4DevClient) DeleteMailbox(ctx context.Context, id string) error {
	return c.call(ctx, http.MethodDelete, "/mailboxes/"+url.PathEscape(id), nil, nil)
}

func (c *SMTP4DevClient) DeleteAllMessages(ctx context.Context) error {
	return c.call(ctx, http.MethodDelete, "/messages", nil, nil)
}

// Messages lists stored mail, optionally restricted to one mailbox.
func (c *SMTP4DevClient) Messages(ctx context.Context, mailboxID string) ([]Message, error) {
	path := "/messages"
	if mailboxID != "" {
		path += "?" + url.Values{"mailboxId": {mailboxID}}.Encode()
	}
	var msgs []Message
	if err := c.call(ctx, http.MethodGet, path, nil, &msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

// WaitForMessage polls until a message whose subject contains needle lands
// in the mailbox.
func (c *SMTP4DevClient) WaitForMessage(ctx context.Context, mailboxID, needle string, poll time.Duration) (*Message, error) {
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		msgs, err := c.Messages(ctx, mailboxID)
		if err != nil {
			return nil, err
		}
		for i := range msgs {
			if strings.Contains(msgs[i].Subject, needle) {
				return &msgs[i], nil
			}
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("message %q not delivered: %w", needle, ctx.Err())
		case <-ticker.C:
		}
	}
}

func (c *SMTP4DevClient) call(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode %s %s: %w", method, path, err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("smtp4dev %s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= http.StatusMultipleChoices {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("smtp4dev %s %s: %s (%s)", method, path, resp.Status, strings.TrimSpace(string(detail)))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
