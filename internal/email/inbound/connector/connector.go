// Package connector opens support mailboxes over IMAP or POP3 and exposes
// them as sessions the ingestion coordinator can walk message by message.
package connector

import (
	"context"
	"time"
)

// Account carries the minimal set of fields a connector needs to open a mailbox.
type Account struct {
	Type        string // pop3, pop3s, imap, imaps
	Host        string
	Port        int
	Username    string
	Password    []byte
	Folder      string
	DialTimeout time.Duration
}

// RawMessage wraps the on-wire RFC822 payload plus transport metadata.
type RawMessage struct {
	UID        string
	ReceivedAt time.Time
	SizeBytes  int64
	Raw        []byte
}

// Transport connects to a mailbox of one protocol family.
type Transport interface {
	Name() string
	Connect(ctx context.Context, account Account) (Session, error)
}

// Session is an authenticated mailbox connection. Unseen lists message UIDs
// in arrival order; MarkProcessed hides a message from later Unseen calls.
type Session interface {
	Unseen(ctx context.Context, limit int) ([]string, error)
	Fetch(ctx context.Context, uid string) (*RawMessage, error)
	MarkProcessed(ctx context.Context, uid string) error
	Close() error
}

// Factory resolves the correct transport for a mailbox.
type Factory interface {
	TransportFor(account Account) (Transport, error)
}
