// Package parser decodes raw RFC 5322 messages into the envelope the
// ingestion coordinator works with.
package parser

import (
	"bytes"
	"errors"
	"fmt"
	"html"
	"io"
	"mime"
	stdmail "net/mail"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	gomessage "github.com/emersion/go-message"
	gomail "github.com/emersion/go-message/mail"
	"github.com/microcosm-cc/bluemonday"
	"go.uber.org/zap"
	htmlcharset "golang.org/x/net/html/charset"
	"golang.org/x/text/encoding/charmap"

	"github.com/gotrs-io/helpdesk/internal/apperrors"
)

const defaultBodyLimit = 256 * 1024

func init() {
	gomessage.CharsetReader = func(charset string, input io.Reader) (io.Reader, error) {
		return htmlcharset.NewReaderLabel(charset, input)
	}
}

// Envelope is the decoded view of one inbound message. It is not persisted.
type Envelope struct {
	From      string
	FromName  string
	Subject   string
	Body      string
	Date      time.Time
	MessageID string
}

// Parser turns raw message bytes into envelopes.
type Parser struct {
	logger    *zap.Logger
	bodyLimit int64
	decoder   *mime.WordDecoder
	html      *bluemonday.Policy
}

// Option customizes a Parser.
type Option func(*Parser)

// WithLogger overrides the logger used for parse diagnostics.
func WithLogger(logger *zap.Logger) Option {
	return func(p *Parser) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithBodyLimit caps how many bytes of a body part are read.
func WithBodyLimit(limit int64) Option {
	return func(p *Parser) {
		if limit > 0 {
			p.bodyLimit = limit
		}
	}
}

// New builds a Parser.
func New(opts ...Option) *Parser {
	p := &Parser{
		logger:    zap.NewNop(),
		bodyLimit: defaultBodyLimit,
		decoder:   &mime.WordDecoder{CharsetReader: htmlcharset.NewReaderLabel},
		html:      bluemonday.StrictPolicy(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// Parse decodes raw. received is used when the message carries no usable
// Date header. A message without a readable header block or sender yields
// a ParseError.
func (p *Parser) Parse(raw []byte, received time.Time) (*Envelope, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, &apperrors.ParseError{Reason: "empty message"}
	}
	reader, err := gomail.CreateReader(bytes.NewReader(raw))
	if err != nil && !gomessage.IsUnknownCharset(err) {
		return nil, &apperrors.ParseError{Reason: "read headers", Err: err}
	}
	if reader == nil {
		return nil, &apperrors.ParseError{Reason: "read headers"}
	}
	defer reader.Close()

	env := &Envelope{
		Subject:   p.subjectFromHeader(&reader.Header),
		MessageID: normalizeMessageID(reader.Header.Get("Message-Id")),
	}
	env.From, env.FromName = p.addressFromHeader(&reader.Header)
	if env.From == "" {
		return nil, &apperrors.ParseError{Reason: "missing sender address"}
	}

	env.Date = received
	if date, derr := reader.Header.Date(); derr == nil && !date.IsZero() {
		env.Date = date
	}

	body, err := p.readBody(reader)
	if err != nil {
		return nil, err
	}
	env.Body = CleanBody(body)
	return env, nil
}

func (p *Parser) readBody(reader *gomail.Reader) (string, error) {
	var plain, htmlBody string
	havePlain := false
	for {
		part, err := reader.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil && !gomessage.IsUnknownCharset(err) {
			if havePlain || htmlBody != "" {
				p.logger.Debug("ignoring trailing part error", zap.Error(err))
				break
			}
			return "", &apperrors.ParseError{Reason: "read body part", Err: err}
		}
		if part == nil {
			continue
		}
		inline, ok := part.Header.(*gomail.InlineHeader)
		if !ok {
			continue
		}
		mimeType, _, cerr := inline.ContentType()
		if cerr != nil || strings.TrimSpace(mimeType) == "" {
			mimeType = "text/plain"
		}
		mimeType = strings.ToLower(mimeType)
		switch {
		case mimeType == "text/plain" && !havePlain:
			text, rerr := p.readPart(part.Body)
			if rerr != nil {
				return "", rerr
			}
			plain, havePlain = text, true
		case mimeType == "text/html" && htmlBody == "":
			text, rerr := p.readPart(part.Body)
			if rerr != nil {
				return "", rerr
			}
			htmlBody = text
		}
		if havePlain {
			break
		}
	}
	if havePlain {
		return plain, nil
	}
	if htmlBody != "" {
		return p.htmlToText(htmlBody), nil
	}
	return "", nil
}

func (p *Parser) readPart(src io.Reader) (string, error) {
	data, err := io.ReadAll(io.LimitReader(src, p.bodyLimit))
	if err != nil {
		return "", &apperrors.ParseError{Reason: "decode body", Err: err}
	}
	return decodeText(data), nil
}

// decodeText returns data as UTF-8. Bytes that are not valid UTF-8 after
// transfer and charset decoding are read as Latin-1.
func decodeText(data []byte) string {
	if utf8.Valid(data) {
		return string(data)
	}
	decoded, err := charmap.ISO8859_1.NewDecoder().Bytes(data)
	if err != nil {
		return strings.ToValidUTF8(string(data), "")
	}
	return string(decoded)
}

var (
	blockBreak = regexp.MustCompile(`(?i)<\s*(br|/p|/div|/li|/tr|/h[1-6])\s*/?\s*>`)
	spaceRun   = regexp.MustCompile(`[ \t]+`)
)

func (p *Parser) htmlToText(in string) string {
	in = blockBreak.ReplaceAllString(in, "$0\n")
	text := html.UnescapeString(p.html.Sanitize(in))
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSpace(spaceRun.ReplaceAllString(line, " "))
	}
	return strings.Join(lines, "\n")
}

func (p *Parser) subjectFromHeader(header *gomail.Header) string {
	if subject, err := header.Subject(); err == nil {
		return strings.TrimSpace(subject)
	}
	value := strings.TrimSpace(header.Get("Subject"))
	if decoded, err := p.decoder.DecodeHeader(value); err == nil {
		return strings.TrimSpace(decoded)
	}
	return value
}

func (p *Parser) addressFromHeader(header *gomail.Header) (string, string) {
	if list, err := header.AddressList("From"); err == nil && len(list) > 0 {
		return strings.TrimSpace(list[0].Address), strings.TrimSpace(list[0].Name)
	}
	value := strings.TrimSpace(header.Get("From"))
	if value == "" {
		return "", ""
	}
	if addr, err := stdmail.ParseAddress(value); err == nil {
		return strings.TrimSpace(addr.Address), strings.TrimSpace(addr.Name)
	}
	if open := strings.Index(value, "<"); open >= 0 {
		if end := strings.Index(value[open:], ">"); end > 1 {
			return strings.TrimSpace(value[open+1 : open+end]), ""
		}
	}
	if strings.Contains(value, "@") && !strings.ContainsAny(value, " \t") {
		return value, ""
	}
	return "", ""
}

// CleanBody drops quoted reply lines, stops at a "--" or "---" signature
// marker and collapses runs of blank lines to one.
func CleanBody(body string) string {
	body = strings.ReplaceAll(body, "\r\n", "\n")
	lines := strings.Split(body, "\n")
	kept := make([]string, 0, len(lines))
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, ">") {
			continue
		}
		if trimmed == "--" || trimmed == "---" {
			break
		}
		kept = append(kept, strings.TrimRight(line, " \t\r"))
	}
	cleaned := strings.TrimSpace(strings.Join(kept, "\n"))
	for strings.Contains(cleaned, "\n\n\n") {
		cleaned = strings.ReplaceAll(cleaned, "\n\n\n", "\n\n")
	}
	return cleaned
}

func normalizeMessageID(value string) string {
	value = strings.TrimSpace(value)
	value = strings.Trim(value, "<>")
	value = strings.Trim(value, "\"")
	return strings.TrimSpace(value)
}

// String renders the envelope for debug logs.
func (e *Envelope) String() string {
	return fmt.Sprintf("from=%s subject=%q message_id=%s", e.From, e.Subject, e.MessageID)
}
