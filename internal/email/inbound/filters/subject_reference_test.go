package filters

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gotrs-io/helpdesk/internal/email/inbound/parser"
)

func TestExtractTicketReference(t *testing.T) {
	cases := []struct {
		subject string
		want    int64
		ok      bool
	}{
		{"[TICKET-42] printer", 42, true},
		{"[ticket-42] printer", 42, true},
		{"RE: [TICKET-7] still broken", 7, true},
		{"Question about #42", 42, true},
		{"Ticket #42 follow-up", 42, true},
		{"ticket 42 follow-up", 42, true},
		{"TICKET 42", 42, true},
		{"[TICKET-5] see also #9", 5, true},
		{"Printer issue", 0, false},
		{"", 0, false},
		{"#0", 0, false},
	}
	for _, tc := range cases {
		t.Run(tc.subject, func(t *testing.T) {
			got, ok := ExtractTicketReference(tc.subject)
			assert.Equal(t, tc.ok, ok)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestSubjectReferenceFilterAnnotates(t *testing.T) {
	m := &MessageContext{Envelope: &parser.Envelope{Subject: "RE: [TICKET-7] still broken"}}
	require.NoError(t, NewSubjectReferenceFilter(nil).Apply(context.Background(), m))

	id, ok := TicketReference(m)
	require.True(t, ok)
	assert.Equal(t, int64(7), id)
	assert.Equal(t, "subject_reference", m.Annotations[AnnotationReferenceSource])
}

func TestSubjectReferenceFilterNewInquiry(t *testing.T) {
	m := &MessageContext{Envelope: &parser.Envelope{Subject: "Printer issue"}}
	require.NoError(t, NewSubjectReferenceFilter(nil).Apply(context.Background(), m))
	_, ok := TicketReference(m)
	assert.False(t, ok)
	assert.Nil(t, m.Annotations)
}

type failingFilter struct{ err error }

func (f failingFilter) ID() string                                   { return "failing" }
func (f failingFilter) Apply(context.Context, *MessageContext) error { return f.err }

func TestChainStopsOnError(t *testing.T) {
	boom := errors.New("boom")
	chain := NewChain(failingFilter{err: boom}, NewSubjectReferenceFilter(nil), nil)
	assert.Equal(t, 2, chain.Len())

	m := &MessageContext{Envelope: &parser.Envelope{Subject: "[TICKET-1]"}}
	require.ErrorIs(t, chain.Run(context.Background(), m), boom)
	_, ok := TicketReference(m)
	assert.False(t, ok)
}
