//go:build integration

package integration

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gotrs-io/helpdesk/internal/config"
	"github.com/gotrs-io/helpdesk/internal/email/inbound/adapter"
	"github.com/gotrs-io/helpdesk/internal/email/inbound/postmaster"
	"github.com/gotrs-io/helpdesk/internal/models"
	"github.com/gotrs-io/helpdesk/internal/notifications"
	"github.com/gotrs-io/helpdesk/internal/repository"
	"github.com/gotrs-io/helpdesk/internal/repository/memory"
	"github.com/gotrs-io/helpdesk/internal/runlock"
	"github.com/gotrs-io/helpdesk/internal/tickets"
)

type smtp4devConfig struct {
	APIBase       string
	SMTPHost      string
	SMTPPort      int
	POPHost       string
	POPPort       int
	Username      string
	Password      string
	FromAddress   string
	SystemAddress string
}

func loadConfig(t *testing.T) smtp4devConfig {
	t.Helper()
	cfg := smtp4devConfig{
		APIBase:       getenv("SMTP4DEV_API_BASE", "http://localhost:8025/api/v3"),
		SMTPHost:      getenv("SMTP4DEV_SMTP_HOST", "localhost"),
		SMTPPort:      getenvInt("SMTP4DEV_SMTP_PORT", 1025),
		POPHost:       getenv("SMTP4DEV_POP_HOST", "localhost"),
		POPPort:       getenvInt("SMTP4DEV_POP_PORT", 1110),
		Username:      os.Getenv("SMTP4DEV_USER"),
		Password:      os.Getenv("SMTP4DEV_PASS"),
		FromAddress:   getenv("SMTP4DEV_FROM", "customer@example.com"),
		SystemAddress: getenv("SMTP4DEV_SYSTEM_ADDRESS", "support@helpdesk.local"),
	}
	if cfg.Username == "" || cfg.Password == "" {
		t.Skip("SMTP4DEV_USER and SMTP4DEV_PASS must be set for integration test")
	}
	return cfg
}

// customerMailer sends mail as the customer through smtp4dev.
func customerMailer(cfg smtp4devConfig) *notifications.SMTPProvider {
	ec := &config.EmailConfig{Enabled: true, From: cfg.FromAddress}
	ec.SMTP.Host = cfg.SMTPHost
	ec.SMTP.Port = cfg.SMTPPort
	ec.SMTP.User = cfg.Username
	ec.SMTP.Password = cfg.Password
	ec.SMTP.AuthType = "plain"
	ec.SMTP.TLSMode = "none"
	return notifications.NewSMTPProvider(ec)
}

func TestSMTP4DevMailBecomesTicketThenComment(t *testing.T) {
	cfg := loadConfig(t)
	client := NewSMTP4DevClient(cfg.APIBase, nil)
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	box, err := client.CreateMailbox(ctx, cfg.Username, cfg.Username, cfg.Password)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.DeleteMailbox(context.Background(), box.ID) })
	_ = client.DeleteAllMessages(ctx)

	store := memory.NewStore()
	svc := tickets.NewService(store)
	account := adapter.AccountFromConfig(config.IMAPConfig{
		Type:     "pop3",
		Host:     cfg.POPHost,
		Port:     cfg.POPPort,
		Username: cfg.Username,
		Password: cfg.Password,
	}, "")
	ingest := postmaster.NewService(account, postmaster.NewTicketProcessor(svc), postmaster.WithLocker(runlock.NewMemory()))

	mailer := customerMailer(cfg)
	token := randomToken()
	subject := "Printer on fire " + token
	require.NoError(t, mailer.Send(ctx, notifications.EmailMessage{
		To:      []string{cfg.SystemAddress},
		Subject: subject,
		Body:    "It started smoking.\n\n-- \nSent from my phone",
	}))
	_, err = client.WaitForMessage(ctx, box.ID, token, 300*time.Millisecond)
	require.NoError(t, err)

	summary, err := ingest.Run(ctx, postmaster.Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Created)

	list, err := store.ListTickets(ctx, repository.TicketFilter{})
	require.NoError(t, err)
	require.Len(t, list, 1)
	ticket := list[0]
	assert.Equal(t, subject, ticket.Title)
	assert.Equal(t, "It started smoking.", ticket.Description)
	assert.Equal(t, models.PriorityMedium, ticket.Priority)

	reply := fmt.Sprintf("RE: %s %s", notifications.TicketSubjectTag(ticket.ID), subject)
	require.NoError(t, mailer.Send(ctx, notifications.EmailMessage{
		To:      []string{cfg.SystemAddress},
		Subject: reply,
		Body:    "Now it is out.\n> It started smoking.",
	}))
	_, err = client.WaitForMessage(ctx, box.ID, "RE:", 300*time.Millisecond)
	require.NoError(t, err)

	summary, err = ingest.Run(ctx, postmaster.Options{})
	require.NoError(t, err)
	assert.Equal(t, postmaster.Summary{Updated: 1}, summary)

	comments, err := store.ListComments(ctx, ticket.ID, false)
	require.NoError(t, err)
	require.Len(t, comments, 1)
	assert.Equal(t, "Now it is out.", comments[0].Content)

	summary, err = ingest.Run(ctx, postmaster.Options{})
	require.NoError(t, err)
	assert.Zero(t, summary.Total())
}

func randomToken() string {
	b := make([]byte, 6)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}
