package filters

const (
	AnnotationTicketReference = "postmaster.ticket_reference"
	AnnotationReferenceSource = "postmaster.reference_source"
)

// TicketReference returns the ticket id a filter extracted, if any.
func TicketReference(m *MessageContext) (int64, bool) {
	if m == nil || m.Annotations == nil {
		return 0, false
	}
	id, ok := m.Annotations[AnnotationTicketReference].(int64)
	if !ok || id <= 0 {
		return 0, false
	}
	return id, true
}

func hasReference(m *MessageContext) bool {
	_, ok := TicketReference(m)
	return ok
}
