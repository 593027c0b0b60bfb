// Package adapter maps mailbox configuration onto connector accounts.
package adapter

import (
	"strings"

	"github.com/gotrs-io/helpdesk/internal/config"
	"github.com/gotrs-io/helpdesk/internal/email/inbound/connector"
)

// AccountFromConfig converts the imap configuration section to the connector
// payload. folder overrides the configured folder when non-empty.
func AccountFromConfig(cfg config.IMAPConfig, folder string) connector.Account {
	accountType := strings.ToLower(strings.TrimSpace(cfg.Type))
	if accountType == "" {
		accountType = "imaps"
	}

	if strings.TrimSpace(folder) == "" {
		folder = cfg.Folder
	}
	if folder == "" && !strings.HasPrefix(accountType, "pop3") {
		folder = "INBOX"
	}

	return connector.Account{
		Type:        accountType,
		Host:        strings.TrimSpace(cfg.Host),
		Port:        cfg.Port,
		Username:    strings.TrimSpace(cfg.Username),
		Password:    []byte(cfg.Password),
		Folder:      strings.TrimSpace(folder),
		DialTimeout: cfg.DialTimeout,
	}
}
