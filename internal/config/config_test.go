package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "helpdesk.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, "app:\n  name: support\n")
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "support", cfg.App.Name)
	assert.Equal(t, "0 */5 * * * *", cfg.Ingest.Schedule)
	assert.Equal(t, 10*time.Minute, cfg.Ingest.Lock.TTL)
	assert.Equal(t, "INBOX", cfg.IMAP.Folder)
	assert.Equal(t, 993, cfg.IMAP.Port)
	assert.Equal(t, "TK", cfg.Ticket.NumberPrefix)
	assert.Same(t, cfg, Get())
}

func TestLoadReadsFileAndEnvOverrides(t *testing.T) {
	path := writeConfig(t, `
imap:
  enabled: true
  host: mail.example.com
  username: support@example.com
  password: secret
  folder: Support
database:
  driver: sqlite3
  dsn: file:helpdesk.db
`)
	t.Setenv("HELPDESK_IMAP_FOLDER", "Escalations")
	t.Setenv("HELPDESK_NOTIFICATIONS_WORKERS", "7")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.True(t, cfg.IMAP.Enabled)
	assert.Equal(t, "mail.example.com", cfg.IMAP.Host)
	assert.Equal(t, "Escalations", cfg.IMAP.Folder)
	assert.Equal(t, 7, cfg.Notifications.Workers)
	assert.Equal(t, "sqlite3", cfg.Database.Driver)
	require.NoError(t, cfg.IMAP.Validate())
}

func TestLoadMissingExplicitFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}

func TestIMAPValidateListsMissingFields(t *testing.T) {
	c := IMAPConfig{Host: "mail.example.com"}
	err := c.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "IMAP credentials not fully configured")
	assert.Contains(t, err.Error(), "username, password")
}

func TestEffectiveTLSMode(t *testing.T) {
	cases := []struct {
		name string
		mode string
		tls  bool
		port int
		want string
	}{
		{"explicit smtps", "ssl", false, 25, "smtps"},
		{"explicit starttls", "STARTTLS", false, 25, "starttls"},
		{"explicit none", "none", true, 465, "none"},
		{"implicit 465", "", true, 465, "smtps"},
		{"tls flag", "", true, 587, "starttls"},
		{"plain", "", false, 25, "none"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var c EmailConfig
			c.SMTP.TLSMode = tc.mode
			c.SMTP.TLS = tc.tls
			c.SMTP.Port = tc.port
			assert.Equal(t, tc.want, c.EffectiveTLSMode())
		})
	}
}

func TestFromAddressFallsBackToSMTPUser(t *testing.T) {
	var c EmailConfig
	c.SMTP.User = "robot@example.com"
	assert.Equal(t, "robot@example.com", c.FromAddress())
	c.From = "support@example.com"
	assert.Equal(t, "support@example.com", c.FromAddress())
}
