package notifications

import (
	"embed"
	"fmt"
	"strings"

	"github.com/flosch/pongo2/v6"

	"github.com/gotrs-io/helpdesk/internal/models"
)

//go:embed templates/*.txt
var templateFS embed.FS

const (
	timeLayout = "2006-01-02 15:04"
	noCategory = "None"
)

var (
	tplNewTicket    = mustTemplate("new_ticket.txt")
	tplEscalation   = mustTemplate("escalation.txt")
	tplCloseSummary = mustTemplate("close_summary.txt")
	tplCommentReply = mustTemplate("comment_reply.txt")
)

var urgencyBanner = map[models.Priority]string{
	models.PriorityCritical: "CRITICAL - immediate action required",
	models.PriorityHigh:     "HIGH - prompt handling required",
	models.PriorityMedium:   "MEDIUM - normal priority",
	models.PriorityLow:      "LOW - can be handled when time permits",
}

func mustTemplate(name string) *pongo2.Template {
	raw, err := templateFS.ReadFile("templates/" + name)
	if err != nil {
		panic(fmt.Sprintf("notifications: missing template %s: %v", name, err))
	}
	return pongo2.Must(pongo2.FromBytes(raw))
}

// Message is a rendered notification.
type Message struct {
	Subject string
	Body    string
}

// Urgency returns the banner line used in escalation mail.
func Urgency(p models.Priority) string {
	if s, ok := urgencyBanner[p]; ok {
		return s
	}
	return p.Label()
}

// TicketSubjectTag is embedded in customer facing subjects so replies thread
// back to the ticket during ingestion.
func TicketSubjectTag(ticketID int64) string {
	return fmt.Sprintf("[TICKET-%d]", ticketID)
}

// Renderer builds notification messages from ticket data.
type Renderer struct {
	siteURL string
	appName string
}

func NewRenderer(siteURL, appName string) *Renderer {
	if appName == "" {
		appName = "helpdesk"
	}
	return &Renderer{siteURL: strings.TrimRight(siteURL, "/"), appName: appName}
}

// TicketURL links to the ticket in the web UI.
func (r *Renderer) TicketURL(ticketID int64) string {
	return fmt.Sprintf("%s/tickets/%d/", r.siteURL, ticketID)
}

func (r *Renderer) base(t *models.Ticket, creator *models.User, category string) pongo2.Context {
	if category == "" {
		category = noCategory
	}
	return pongo2.Context{
		"number":        t.TicketNumber,
		"title":         t.Title,
		"description":   t.Description,
		"priority":      t.Priority.Label(),
		"status":        t.Status.Label(),
		"support_level": fmt.Sprintf("Level %d", t.SupportLevel),
		"category":      category,
		"creator_name":  creator.DisplayName(),
		"creator_email": creatorEmail(t, creator),
		"created_at":    t.CreatedAt.Format(timeLayout),
		"ticket_url":    r.TicketURL(t.ID),
		"app_name":      r.appName,
		"rule":          strings.Repeat("=", 70),
		"thin_rule":     strings.Repeat("-", 70),
	}
}

// NewTicket is sent to first and second level agents.
func (r *Renderer) NewTicket(t *models.Ticket, creator *models.User, category string) (Message, error) {
	body, err := render(tplNewTicket, r.base(t, creator, category))
	if err != nil {
		return Message{}, err
	}
	return Message{
		Subject: fmt.Sprintf("New ticket: %s - %s", t.TicketNumber, t.Title),
		Body:    body,
	}, nil
}

// Escalation is sent to the agent receiving an escalated ticket. A nil from
// means the system escalated it.
func (r *Renderer) Escalation(t *models.Ticket, creator, from, to *models.User, category, reason string) (Message, error) {
	ctx := r.base(t, creator, category)
	ctx["recipient_name"] = recipientName(to)
	ctx["urgency"] = Urgency(t.Priority)
	ctx["reason"] = strings.TrimSpace(reason)
	ctx["escalated_by"] = "System"
	if from != nil {
		ctx["escalated_by"] = from.DisplayName()
	}
	body, err := render(tplEscalation, ctx)
	if err != nil {
		return Message{}, err
	}
	return Message{
		Subject: fmt.Sprintf("ESCALATED: Ticket %s - %s (%s)", t.TicketNumber, t.Title, t.Priority.Label()),
		Body:    body,
	}, nil
}

// History is the input to the closure summary.
type History struct {
	Ticket   *models.Ticket
	Creator  *models.User
	Assignee *models.User
	Category string
	Comments []models.TicketComment
	Authors  map[int64]*models.User
}

// HistoryText renders the full customer visible history. Internal notes are
// never included.
func (r *Renderer) HistoryText(h History) (string, error) {
	t := h.Ticket
	ctx := r.base(t, h.Creator, h.Category)
	if h.Assignee != nil {
		ctx["assignee"] = h.Assignee.DisplayName()
	}
	if t.ClosedAt != nil {
		ctx["closed_at"] = t.ClosedAt.Format(timeLayout)
	}
	var comments []pongo2.Context
	for _, c := range h.Comments {
		if c.IsInternal {
			continue
		}
		author := "Unknown"
		if u := h.Authors[c.AuthorID]; u != nil {
			author = u.DisplayName()
		}
		comments = append(comments, pongo2.Context{
			"when":    c.CreatedAt.Format(timeLayout),
			"author":  author,
			"content": c.Content,
		})
	}
	if len(comments) > 0 {
		ctx["comments"] = comments
	}
	return render(tplCloseSummary, ctx)
}

// CloseSummary is sent to the customer when a ticket is closed.
func (r *Renderer) CloseSummary(h History) (Message, error) {
	body, err := r.HistoryText(h)
	if err != nil {
		return Message{}, err
	}
	return Message{
		Subject: fmt.Sprintf("%s Ticket %s closed - summary", TicketSubjectTag(h.Ticket.ID), h.Ticket.TicketNumber),
		Body:    body,
	}, nil
}

// CommentReply forwards a public agent comment to the customer.
func (r *Renderer) CommentReply(t *models.Ticket, customer, author *models.User, comment *models.TicketComment) (Message, error) {
	ctx := r.base(t, customer, "")
	ctx["recipient_name"] = recipientName(customer)
	ctx["author"] = author.DisplayName()
	ctx["content"] = comment.Content
	body, err := render(tplCommentReply, ctx)
	if err != nil {
		return Message{}, err
	}
	return Message{
		Subject: fmt.Sprintf("%s RE: %s - %s", TicketSubjectTag(t.ID), t.TicketNumber, t.Title),
		Body:    body,
	}, nil
}

// CustomerAddress returns where customer facing mail for t goes.
func CustomerAddress(t *models.Ticket, creator *models.User) string {
	return creatorEmail(t, creator)
}

func creatorEmail(t *models.Ticket, creator *models.User) string {
	if t.EmailFrom != "" {
		return t.EmailFrom
	}
	if creator != nil {
		return creator.Email
	}
	return ""
}

func recipientName(u *models.User) string {
	if u == nil {
		return "there"
	}
	if u.FirstName != "" {
		return u.FirstName
	}
	return u.DisplayName()
}

func render(tpl *pongo2.Template, ctx pongo2.Context) (string, error) {
	out, err := tpl.Execute(ctx)
	if err != nil {
		return "", fmt.Errorf("render notification: %w", err)
	}
	return strings.TrimRight(out, "\n") + "\n", nil
}
