package connector

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// FactoryOption customizes a connector factory.
type FactoryOption func(*simpleFactory)

type simpleFactory struct {
	mu         sync.RWMutex
	transports map[string]Transport
}

// NewFactory builds a connector factory with the provided options.
func NewFactory(opts ...FactoryOption) Factory {
	f := &simpleFactory{transports: make(map[string]Transport)}
	for _, opt := range opts {
		if opt != nil {
			opt(f)
		}
	}
	return f
}

// DefaultFactory returns a factory preloaded with the IMAP and POP3 transports.
func DefaultFactory() Factory {
	return NewMailboxFactory(nil, 0)
}

// NewMailboxFactory registers the IMAP and POP3 transports with a shared
// logger and dial timeout. Zero values keep the transport defaults.
func NewMailboxFactory(logger *zap.Logger, dialTimeout time.Duration) Factory {
	return NewFactory(
		WithTransport(NewPOP3Transport(WithPOP3Logger(logger), WithPOP3DialTimeout(dialTimeout)),
			"pop3", "pop3s", "pop3_tls", "pop3s_tls"),
		WithTransport(NewIMAPTransport(WithIMAPLogger(logger), WithIMAPDialTimeout(dialTimeout)),
			"imap", "imaps", "imap_tls", "imaps_tls", "imaptls"),
	)
}

// WithTransport registers a transport for the provided account types.
func WithTransport(transport Transport, accountTypes ...string) FactoryOption {
	return func(f *simpleFactory) {
		if f == nil || transport == nil {
			return
		}
		f.mu.Lock()
		defer f.mu.Unlock()
		for _, t := range accountTypes {
			key := normalizeType(t)
			if key == "" {
				continue
			}
			f.transports[key] = transport
		}
	}
}

func (f *simpleFactory) TransportFor(account Account) (Transport, error) {
	key := normalizeType(account.Type)
	f.mu.RLock()
	transport, ok := f.transports[key]
	f.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no connector registered for account type %q", account.Type)
	}
	return transport, nil
}

func normalizeType(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}
