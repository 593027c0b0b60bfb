package connector

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type noopTransport struct{}

func (noopTransport) Name() string { return "noop" }

func (noopTransport) Connect(context.Context, Account) (Session, error) { return nil, nil }

func TestFactoryReturnsRegisteredTransport(t *testing.T) {
	factory := NewFactory(WithTransport(noopTransport{}, "Pop3"))

	tr, err := factory.TransportFor(Account{Type: " POP3 "})
	require.NoError(t, err)
	assert.Equal(t, "noop", tr.Name())
}

func TestFactoryUnknownType(t *testing.T) {
	_, err := NewFactory().TransportFor(Account{Type: "graph"})
	require.ErrorContains(t, err, "no connector registered")
}

func TestDefaultFactoryResolvesBuiltins(t *testing.T) {
	f := DefaultFactory()
	for typ, want := range map[string]string{"imaps": "imap", "imap": "imap", "pop3": "pop3", "pop3s": "pop3"} {
		tr, err := f.TransportFor(Account{Type: typ})
		require.NoError(t, err, typ)
		assert.Equal(t, want, tr.Name(), typ)
	}
}
