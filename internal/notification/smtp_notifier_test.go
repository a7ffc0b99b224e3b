package notification

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net"
	"net/textproto"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	gomail "github.com/wneessen/go-mail"
)

// smtpServer is a minimal plaintext ESMTP relay on loopback.
type smtpServer struct {
	ln       net.Listener
	rcptCode int // non-zero rejects every recipient with this code

	mu    sync.Mutex
	auth  string
	from  string
	rcpts []string
	data  string

	open sync.WaitGroup
}

func startSMTPServer(t *testing.T, rcptCode int) *smtpServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	s := &smtpServer{ln: ln, rcptCode: rcptCode}
	go s.serve()
	t.Cleanup(func() { _ = ln.Close() })
	return s
}

func (s *smtpServer) port() int {
	return s.ln.Addr().(*net.TCPAddr).Port
}

func (s *smtpServer) serve() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.open.Add(1)
		go s.handle(conn)
	}
}

func (s *smtpServer) handle(conn net.Conn) {
	defer s.open.Done()
	tp := textproto.NewConn(conn)
	defer tp.Close()

	_ = tp.PrintfLine("220 localhost ESMTP ready")
	for {
		line, err := tp.ReadLine()
		if err != nil {
			return
		}
		verb, arg, _ := strings.Cut(line, " ")
		switch strings.ToUpper(verb) {
		case "EHLO":
			_ = tp.PrintfLine("250-localhost")
			_ = tp.PrintfLine("250-8BITMIME")
			_ = tp.PrintfLine("250 AUTH PLAIN")
		case "HELO", "NOOP", "RSET":
			_ = tp.PrintfLine("250 OK")
		case "AUTH":
			s.mu.Lock()
			s.auth = arg
			s.mu.Unlock()
			_ = tp.PrintfLine("235 2.7.0 Authentication successful")
		case "MAIL":
			s.mu.Lock()
			s.from = angle(arg)
			s.mu.Unlock()
			_ = tp.PrintfLine("250 OK")
		case "RCPT":
			if s.rcptCode != 0 {
				_ = tp.PrintfLine("%d mailbox unavailable", s.rcptCode)
				continue
			}
			s.mu.Lock()
			s.rcpts = append(s.rcpts, angle(arg))
			s.mu.Unlock()
			_ = tp.PrintfLine("250 OK")
		case "DATA":
			_ = tp.PrintfLine("354 End data with <CR><LF>.<CR><LF>")
			lines, err := tp.ReadDotLines()
			if err != nil {
				return
			}
			s.mu.Lock()
			s.data = strings.Join(lines, "\n")
			s.mu.Unlock()
			_ = tp.PrintfLine("250 OK queued")
		case "QUIT":
			_ = tp.PrintfLine("221 Bye")
			return
		default:
			_ = tp.PrintfLine("502 command not implemented")
		}
	}
}

func angle(arg string) string {
	start, end := strings.Index(arg, "<"), strings.Index(arg, ">")
	if start < 0 || end < start {
		return arg
	}
	return arg[start+1 : end]
}

func (s *smtpServer) drained(t *testing.T) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		s.open.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("server connection still open after send returned")
	}
}

func TestSMTPTransportSend(t *testing.T) {
	srv := startSMTPServer(t, 0)
	tr, err := NewSMTPTransport(SMTPConfig{
		Host:      "127.0.0.1",
		Port:      srv.port(),
		Username:  "cam@example.com",
		Password:  "pw",
		TLSPolicy: "none",
		Timeout:   5 * time.Second,
	})
	require.NoError(t, err)

	err = tr.Send(context.Background(), &Email{
		To:        "ana@example.com",
		ToName:    "Ana",
		Subject:   "Emergency Alert",
		TextBody:  "Dear Ana,\nCheck the environment.",
		MessageID: "abc@anomalycam",
		AlertID:   "abc",
	})
	require.NoError(t, err)
	srv.drained(t)

	srv.mu.Lock()
	defer srv.mu.Unlock()
	assert.Equal(t, "cam@example.com", srv.from, "sender falls back to the username")
	assert.Equal(t, []string{"ana@example.com"}, srv.rcpts)

	creds, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(srv.auth, "PLAIN "))
	require.NoError(t, err)
	assert.Equal(t, "\x00cam@example.com\x00pw", string(creds))

	assert.Contains(t, srv.data, "Subject: Emergency Alert")
	assert.Contains(t, srv.data, "Message-ID: <abc@anomalycam>")
	assert.Contains(t, srv.data, "X-Alert-ID: abc")
	assert.Contains(t, srv.data, "Auto-Submitted: auto-generated")
	assert.Contains(t, srv.data, "Dear Ana,")
}

func TestSMTPTransportRejectedRecipient(t *testing.T) {
	for _, tc := range []struct {
		code      int
		permanent bool
	}{
		{code: 550, permanent: true},
		{code: 451, permanent: false},
	} {
		t.Run(fmt.Sprint(tc.code), func(t *testing.T) {
			srv := startSMTPServer(t, tc.code)
			tr, err := NewSMTPTransport(SMTPConfig{Host: "127.0.0.1", Port: srv.port(), TLSPolicy: "none"})
			require.NoError(t, err)

			err = tr.Send(context.Background(), &Email{From: "cam@example.com", To: "ana@example.com", Subject: "s", TextBody: "b"})
			require.Error(t, err)

			var sendErr *gomail.SendError
			require.ErrorAs(t, err, &sendErr)
			assert.Equal(t, tc.code, sendErr.ErrorCode())
			assert.Equal(t, tc.permanent, isPermanent(err))
			srv.drained(t)
		})
	}
}

func TestSMTPTransportSilentServerReleasesConnection(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	// accept and never greet; report when the client hangs up
	closed := make(chan struct{})
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		_, _ = io.Copy(io.Discard, conn)
		close(closed)
	}()

	tr, err := NewSMTPTransport(SMTPConfig{
		Host:      "127.0.0.1",
		Port:      ln.Addr().(*net.TCPAddr).Port,
		TLSPolicy: "none",
		Timeout:   time.Minute,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	start := time.Now()
	err = tr.Send(ctx, &Email{From: "cam@example.com", To: "ana@example.com", Subject: "s", TextBody: "b"})
	require.Error(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)

	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("client connection left open after the send gave up")
	}
}

func TestParseTLSPolicy(t *testing.T) {
	for in, want := range map[string]gomail.TLSPolicy{
		"":              gomail.TLSMandatory,
		"mandatory":     gomail.TLSMandatory,
		"Opportunistic": gomail.TLSOpportunistic,
		"none":          gomail.NoTLS,
	} {
		got, err := ParseTLSPolicy(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseTLSPolicy("sometimes")
	assert.Error(t, err)
}
