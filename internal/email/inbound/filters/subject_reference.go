package filters

import (
	"context"
	"regexp"
	"strconv"

	"go.uber.org/zap"
)

// Tried in order; the first match wins.
var subjectReferencePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\[TICKET-(\d+)\]`),
	regexp.MustCompile(`(?i)#(\d+)`),
	regexp.MustCompile(`(?i)Ticket\s+#?(\d+)`),
	regexp.MustCompile(`(?i)RE:\s+\[TICKET-(\d+)\]`),
}

// ExtractTicketReference finds a ticket id in subject. It recognizes
// "[TICKET-42]", "#42" and "Ticket 42" / "Ticket #42", case-insensitively.
func ExtractTicketReference(subject string) (int64, bool) {
	for _, re := range subjectReferencePatterns {
		match := re.FindStringSubmatch(subject)
		if len(match) < 2 {
			continue
		}
		id, err := strconv.ParseInt(match[1], 10, 64)
		if err != nil || id <= 0 {
			continue
		}
		return id, true
	}
	return 0, false
}

// SubjectReferenceFilter annotates messages whose subject names an existing ticket.
type SubjectReferenceFilter struct {
	logger *zap.Logger
}

// NewSubjectReferenceFilter constructs the filter instance.
func NewSubjectReferenceFilter(logger *zap.Logger) *SubjectReferenceFilter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SubjectReferenceFilter{logger: logger}
}

// ID implements Filter.
func (f *SubjectReferenceFilter) ID() string { return "subject_reference" }

// Apply implements Filter.
func (f *SubjectReferenceFilter) Apply(_ context.Context, m *MessageContext) error {
	if m == nil || m.Envelope == nil || hasReference(m) {
		return nil
	}
	id, ok := ExtractTicketReference(m.Envelope.Subject)
	if !ok {
		return nil
	}
	m.Annotate(AnnotationTicketReference, id)
	m.Annotate(AnnotationReferenceSource, f.ID())
	f.logger.Debug("ticket reference in subject",
		zap.Int64("ticket_id", id),
		zap.String("subject", m.Envelope.Subject))
	return nil
}
