package notifications

import (
	"bufio"
	"context"
	"net"
	"net/textproto"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gotrs-io/helpdesk/internal/config"
)

func testEmailConfig(host string, port int) *config.EmailConfig {
	cfg := &config.EmailConfig{Enabled: true, From: "support@example.com", FromName: "Support Desk"}
	cfg.SMTP.Host = host
	cfg.SMTP.Port = port
	cfg.SMTP.TLSMode = "none"
	return cfg
}

// sinkServer accepts one SMTP session and records the envelope.
type sinkServer struct {
	ln   net.Listener
	from string
	rcpt []string
	data string
	done chan struct{}
}

func newSinkServer(t *testing.T) *sinkServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	s := &sinkServer{ln: ln, done: make(chan struct{})}
	t.Cleanup(func() { _ = ln.Close() })
	go s.serve()
	return s
}

func (s *sinkServer) port() int {
	return s.ln.Addr().(*net.TCPAddr).Port
}

func (s *sinkServer) serve() {
	defer close(s.done)
	conn, err := s.ln.Accept()
	if err != nil {
		return
	}
	defer conn.Close()
	tp := textproto.NewConn(conn)
	_ = tp.PrintfLine("220 sink ready")
	for {
		line, err := tp.ReadLine()
		if err != nil {
			return
		}
		verb := strings.ToUpper(strings.SplitN(line, " ", 2)[0])
		switch verb {
		case "EHLO", "HELO":
			_ = tp.PrintfLine("250 sink")
		case "MAIL":
			s.from = line
			_ = tp.PrintfLine("250 ok")
		case "RCPT":
			s.rcpt = append(s.rcpt, line)
			_ = tp.PrintfLine("250 ok")
		case "DATA":
			_ = tp.PrintfLine("354 go ahead")
			lines, err := tp.ReadDotLines()
			if err != nil {
				return
			}
			s.data = strings.Join(lines, "\n")
			_ = tp.PrintfLine("250 queued")
		case "QUIT":
			_ = tp.PrintfLine("221 bye")
			return
		default:
			_ = tp.PrintfLine("502 unsupported")
		}
	}
}

func TestSMTPProviderDeliversToSink(t *testing.T) {
	sink := newSinkServer(t)
	provider := NewSMTPProvider(testEmailConfig("127.0.0.1", sink.port()))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := provider.Send(ctx, EmailMessage{
		To:      []string{"agent1@example.com", "agent2@example.com"},
		Subject: "New ticket: TK-2025-12345 - Printer jam",
		Body:    "line one\nline two",
	})
	require.NoError(t, err)
	<-sink.done

	assert.Contains(t, sink.from, "<support@example.com>")
	require.Len(t, sink.rcpt, 2)
	assert.Contains(t, sink.rcpt[1], "<agent2@example.com>")
	assert.Contains(t, sink.data, "Subject: New ticket: TK-2025-12345 - Printer jam")
	assert.Contains(t, sink.data, "line one\nline two")
}

func TestSMTPProviderDisabledIsNoop(t *testing.T) {
	cfg := testEmailConfig("127.0.0.1", 1)
	cfg.Enabled = false
	require.NoError(t, NewSMTPProvider(cfg).Send(context.Background(), EmailMessage{To: []string{"a@example.com"}}))
}

func TestSMTPProviderRequiresRecipients(t *testing.T) {
	err := NewSMTPProvider(testEmailConfig("127.0.0.1", 1)).Send(context.Background(), EmailMessage{Subject: "x"})
	require.Error(t, err)
}

func TestSMTPProviderConnectFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())

	err = NewSMTPProvider(testEmailConfig("127.0.0.1", port)).Send(context.Background(), EmailMessage{To: []string{"a@example.com"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to connect")
}

func TestBuildMessageHeaders(t *testing.T) {
	p := NewSMTPProvider(testEmailConfig("smtp.example.com", 587))
	p.now = func() time.Time { return time.Date(2025, 3, 1, 9, 30, 0, 0, time.UTC) }

	raw := string(p.buildMessage(EmailMessage{
		To:      []string{"kunde@example.com"},
		Subject: "Zusammenfassung für Ticket",
		Body:    "a\nb",
	}))

	r := textproto.NewReader(bufio.NewReader(strings.NewReader(raw)))
	hdr, err := r.ReadMIMEHeader()
	require.NoError(t, err)
	assert.Equal(t, `"Support Desk" <support@example.com>`, hdr.Get("From"))
	assert.Equal(t, "kunde@example.com", hdr.Get("To"))
	assert.True(t, strings.HasPrefix(hdr.Get("Subject"), "=?utf-8?q?"))
	assert.Equal(t, "Sat, 01 Mar 2025 09:30:00 +0000", hdr.Get("Date"))
	assert.True(t, strings.HasSuffix(hdr.Get("Message-Id"), "@example.com>"))
	assert.Equal(t, "text/plain; charset=UTF-8", hdr.Get("Content-Type"))
	assert.True(t, strings.HasSuffix(raw, "\r\n\r\na\r\nb"))
}

func TestLoginAuthChallenges(t *testing.T) {
	a := &loginAuth{username: "user", password: "pass"}
	proto, initial, err := a.Start(nil)
	require.NoError(t, err)
	assert.Equal(t, "LOGIN", proto)
	assert.Empty(t, initial)

	resp, err := a.Next([]byte("Username:"), true)
	require.NoError(t, err)
	assert.Equal(t, "user", string(resp))
	resp, err = a.Next([]byte("Password:"), true)
	require.NoError(t, err)
	assert.Equal(t, "pass", string(resp))
	_, err = a.Next([]byte("Token:"), true)
	require.Error(t, err)
	resp, err = a.Next(nil, false)
	require.NoError(t, err)
	assert.Nil(t, resp)
}
