package mailin

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"net"
	"strings"
	"testing"
)

// recordingHandler records upcalls and can be told to reject.
type recordingHandler struct {
	NoopHandler

	heloDomain string
	mailFrom   string
	rcptTo     []string
	data       bytes.Buffer
	dataStart  int
	dataEnd    int

	rejectRcpt  *Response
	rejectMail  *Response
	users       map[string]string
	dataStartIs bool
	is8bit      bool
}

func (h *recordingHandler) Helo(ip net.IP, domain string) Response {
	h.heloDomain = domain
	return OK
}

func (h *recordingHandler) Mail(ip net.IP, heloDomain, from string) Response {
	if h.rejectMail != nil {
		return *h.rejectMail
	}
	h.mailFrom = from
	return OK
}

func (h *recordingHandler) Rcpt(to string) Response {
	if h.rejectRcpt != nil {
		return *h.rejectRcpt
	}
	h.rcptTo = append(h.rcptTo, to)
	return OK
}

func (h *recordingHandler) AuthPlain(authzID, authnID, password string) Response {
	if h.users != nil && h.users[authnID] == password {
		return OK
	}
	return InvalidCredentials
}

func (h *recordingHandler) AuthLogin(username, password string) Response {
	return h.AuthPlain("", username, password)
}

func (h *recordingHandler) DataStart(heloDomain, from string, is8bit bool, to []string) Response {
	h.dataStart++
	h.dataStartIs = true
	h.is8bit = is8bit
	return OK
}

func (h *recordingHandler) Data(line []byte) error {
	h.data.Write(line)
	return nil
}

func (h *recordingHandler) DataEnd() Response {
	h.dataEnd++
	return OK
}

func newTestSession(t *testing.T, build func(*SessionBuilder)) (*Session, *recordingHandler) {
	t.Helper()
	builder := NewSessionBuilder("mail.test.example")
	if build != nil {
		build(builder)
	}
	handler := &recordingHandler{}
	return builder.Build(net.IPv4(127, 0, 0, 1), handler), handler
}

func process(t *testing.T, s *Session, line string) Response {
	t.Helper()
	return s.Process([]byte(line))
}

func expectCode(t *testing.T, res Response, code int) {
	t.Helper()
	if res.Code != code {
		t.Fatalf("reply code = %d %q, want %d", res.Code, res.Message, code)
	}
}

func TestPlainSession(t *testing.T) {
	session, handler := newTestSession(t, nil)

	if g := session.Greeting(); g.Code != 220 || !strings.HasPrefix(g.Message, "mail.test.example") {
		t.Fatalf("greeting = %+v", g)
	}
	expectCode(t, process(t, session, "EHLO a.b.example"), 250)
	expectCode(t, process(t, session, "MAIL FROM:<x@y.example>"), 250)
	expectCode(t, process(t, session, "RCPT TO:<u@v.example>"), 250)
	expectCode(t, process(t, session, "RCPT TO:<w@v.example>"), 250)

	res := process(t, session, "DATA")
	expectCode(t, res, 354)
	if res.Action != AwaitData {
		t.Fatalf("DATA action = %v, want AwaitData", res.Action)
	}
	if res := process(t, session, "Hello world"); res.Action != NoReply {
		t.Fatalf("data line produced %+v", res)
	}
	expectCode(t, process(t, session, "."), 250)

	res = process(t, session, "QUIT")
	expectCode(t, res, 221)
	if res.Action != ReplyAndClose {
		t.Fatalf("QUIT action = %v", res.Action)
	}
	if session.State() != StateClosed {
		t.Fatalf("state after QUIT = %v", session.State())
	}

	if handler.heloDomain != "a.b.example" || handler.mailFrom != "x@y.example" {
		t.Errorf("handler saw helo=%q mail=%q", handler.heloDomain, handler.mailFrom)
	}
	if len(handler.rcptTo) != 2 || handler.rcptTo[0] != "u@v.example" {
		t.Errorf("handler saw rcpt=%v", handler.rcptTo)
	}
	if got := handler.data.String(); got != "Hello world\r\n" {
		t.Errorf("handler saw data %q", got)
	}
	if handler.dataStart != 1 || handler.dataEnd != 1 {
		t.Errorf("dataStart=%d dataEnd=%d", handler.dataStart, handler.dataEnd)
	}
}

func TestSequencing(t *testing.T) {
	tests := []struct {
		name  string
		setup []string
		line  string
		code  int
	}{
		{"mail before helo", nil, "MAIL FROM:<x@y.example>", 503},
		{"rcpt before mail", []string{"EHLO a.example"}, "RCPT TO:<u@v.example>", 503},
		{"data without rcpt", []string{"EHLO a.example", "MAIL FROM:<x@y.example>"}, "DATA", 503},
		{"data before mail", []string{"EHLO a.example"}, "DATA", 503},
		{"second mail", []string{"EHLO a.example", "MAIL FROM:<x@y.example>"}, "MAIL FROM:<z@y.example>", 503},
		{"vrfy before helo", nil, "VRFY someone", 503},
		{"auth before helo", nil, "AUTH PLAIN", 503},
		{"noop before helo", nil, "NOOP", 250},
		{"rset before helo", nil, "RSET", 250},
		{"quit before helo", nil, "QUIT", 221},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			session, _ := newTestSession(t, func(b *SessionBuilder) {
				b.EnableAuth("PLAIN").AllowPlaintextAuth()
			})
			// Authentication requirements do not apply to these
			// sequencing probes.
			session.authenticated = true
			for _, line := range tt.setup {
				if res := process(t, session, line); res.IsError() {
					t.Fatalf("setup %q failed: %+v", line, res)
				}
			}
			expectCode(t, process(t, session, tt.line), tt.code)
		})
	}
}

func TestReplyCodeClasses(t *testing.T) {
	// Every reply in a randomized command walk must carry a legal first
	// digit.
	session, _ := newTestSession(t, nil)
	lines := []string{
		"NOOP", "MAIL FROM:<a@b.example>", "EHLO a.example", "DATA",
		"RCPT TO:<u@v.example>", "xyzzy", "MAIL FROM:<a@b.example>",
		"RCPT TO:<u@v.example>", "RSET", "VRFY who",
	}
	for _, line := range lines {
		res := process(t, session, line)
		if res.Action == NoReply {
			continue
		}
		switch res.Code / 100 {
		case 2, 3, 4, 5:
		default:
			t.Errorf("%q produced illegal reply code %d", line, res.Code)
		}
	}
}

func TestRejectingHandlerKeepsState(t *testing.T) {
	session, handler := newTestSession(t, nil)
	handler.rejectRcpt = &Response{Code: 550, Message: "nope"}

	expectCode(t, process(t, session, "EHLO a.example"), 250)
	expectCode(t, process(t, session, "MAIL FROM:<x@y.example>"), 250)
	res := process(t, session, "RCPT TO:<u@v.example>")
	expectCode(t, res, 550)
	if res.Message != "nope" {
		t.Errorf("reject message = %q", res.Message)
	}
	if session.State() != StateMailFrom {
		t.Errorf("state after rejected RCPT = %v, want MAIL", session.State())
	}
	// A later acceptable recipient still works.
	handler.rejectRcpt = nil
	expectCode(t, process(t, session, "RCPT TO:<ok@v.example>"), 250)
	if session.State() != StateRcpt {
		t.Errorf("state = %v, want RCPT", session.State())
	}
}

func TestRsetClearsTransactionKeepsAuth(t *testing.T) {
	session, _ := newTestSession(t, func(b *SessionBuilder) {
		b.EnableAuth("PLAIN").AllowPlaintextAuth()
	})
	expectCode(t, process(t, session, "EHLO a.example"), 250)
	creds := base64.StdEncoding.EncodeToString([]byte("\x00user\x00secret"))
	sessionHandler(session).users = map[string]string{"user": "secret"}
	expectCode(t, process(t, session, "AUTH PLAIN "+creds), 235)
	expectCode(t, process(t, session, "MAIL FROM:<x@y.example>"), 250)
	expectCode(t, process(t, session, "RSET"), 250)
	if session.State() != StateGreeted {
		t.Fatalf("state after RSET = %v", session.State())
	}
	if session.AuthIdentity() != "user" {
		t.Fatalf("RSET cleared authentication")
	}
	// The transaction is gone: RCPT needs a new MAIL.
	expectCode(t, process(t, session, "RCPT TO:<u@v.example>"), 503)
}

func sessionHandler(s *Session) *recordingHandler {
	return s.handler.(*recordingHandler)
}

func TestDotUnstuffing(t *testing.T) {
	session, handler := newTestSession(t, nil)
	expectCode(t, process(t, session, "EHLO a.example"), 250)
	expectCode(t, process(t, session, "MAIL FROM:<x@y.example>"), 250)
	expectCode(t, process(t, session, "RCPT TO:<u@v.example>"), 250)
	expectCode(t, process(t, session, "DATA"), 354)

	process(t, session, "..leading dot")
	process(t, session, ".. ")
	process(t, session, "plain")
	expectCode(t, process(t, session, "."), 250)

	want := ".leading dot\r\n. \r\nplain\r\n"
	if got := handler.data.String(); got != want {
		t.Errorf("unstuffed data = %q, want %q", got, want)
	}
}

func TestSizeEnforcement(t *testing.T) {
	session, handler := newTestSession(t, func(b *SessionBuilder) {
		b.MaxSize(100)
	})
	expectCode(t, process(t, session, "EHLO a.example"), 250)

	t.Run("declared size too large", func(t *testing.T) {
		expectCode(t, process(t, session, "MAIL FROM:<x@y.example> SIZE=200"), 552)
	})

	t.Run("actual size too large", func(t *testing.T) {
		expectCode(t, process(t, session, "MAIL FROM:<x@y.example>"), 250)
		expectCode(t, process(t, session, "RCPT TO:<u@v.example>"), 250)
		expectCode(t, process(t, session, "DATA"), 354)
		line := strings.Repeat("x", 60)
		for i := 0; i < 4; i++ {
			if res := process(t, session, line); res.Action != NoReply {
				t.Fatalf("mid-data reply %+v", res)
			}
		}
		expectCode(t, process(t, session, "."), 552)
		if handler.dataEnd != 0 {
			t.Error("DataEnd upcall despite oversize message")
		}
		// Only the octets under the limit were forwarded.
		if handler.data.Len() > 100 {
			t.Errorf("handler received %d octets, limit 100", handler.data.Len())
		}
	})
}

func TestAuthPlainInitialResponse(t *testing.T) {
	session, handler := newTestSession(t, func(b *SessionBuilder) {
		b.EnableAuth("PLAIN").AllowPlaintextAuth()
	})
	handler.users = map[string]string{"test": "1234"}
	expectCode(t, process(t, session, "EHLO a.example"), 250)
	creds := base64.StdEncoding.EncodeToString([]byte("test\x00test\x001234"))
	expectCode(t, process(t, session, "AUTH PLAIN "+creds), 235)
	if session.AuthIdentity() != "test" {
		t.Errorf("identity = %q", session.AuthIdentity())
	}
	// AUTH twice is a sequence error.
	expectCode(t, process(t, session, "AUTH PLAIN "+creds), 503)
}

func TestAuthLoginExchange(t *testing.T) {
	session, handler := newTestSession(t, func(b *SessionBuilder) {
		b.EnableAuth("LOGIN").AllowPlaintextAuth()
	})
	handler.users = map[string]string{"user": "secret"}
	expectCode(t, process(t, session, "EHLO a.example"), 250)

	res := process(t, session, "AUTH LOGIN")
	expectCode(t, res, 334)
	if res.Message != "VXNlcm5hbWU6" {
		t.Fatalf("username challenge = %q", res.Message)
	}
	res = process(t, session, base64.StdEncoding.EncodeToString([]byte("user")))
	expectCode(t, res, 334)
	if res.Message != "UGFzc3dvcmQ6" {
		t.Fatalf("password challenge = %q", res.Message)
	}
	expectCode(t, process(t, session, base64.StdEncoding.EncodeToString([]byte("secret"))), 235)
}

func TestAuthLockout(t *testing.T) {
	session, _ := newTestSession(t, func(b *SessionBuilder) {
		b.EnableAuth("PLAIN").AllowPlaintextAuth()
	})
	expectCode(t, process(t, session, "EHLO a.example"), 250)
	bad := base64.StdEncoding.EncodeToString([]byte("\x00nobody\x00wrong"))

	expectCode(t, process(t, session, "AUTH PLAIN "+bad), 535)
	expectCode(t, process(t, session, "AUTH PLAIN "+bad), 535)
	res := process(t, session, "AUTH PLAIN "+bad)
	expectCode(t, res, 535)
	if res.Action != ReplyAndClose {
		t.Fatalf("third failure action = %v, want ReplyAndClose", res.Action)
	}
	// Whatever comes next, the session is closed.
	res = process(t, session, "NOOP")
	if res.Action != ReplyAndClose {
		t.Errorf("post-lockout reply action = %v", res.Action)
	}
}

func TestAuthRequiresTLS(t *testing.T) {
	session, _ := newTestSession(t, func(b *SessionBuilder) {
		b.EnableStartTLS().EnableAuth("PLAIN")
	})
	expectCode(t, process(t, session, "EHLO a.example"), 250)
	expectCode(t, process(t, session, "AUTH PLAIN dGVzdAB0ZXN0ADEyMzQ="), 530)
}

func TestStartTLS(t *testing.T) {
	session, _ := newTestSession(t, func(b *SessionBuilder) {
		b.EnableStartTLS()
	})
	expectCode(t, process(t, session, "HELO earlier.example"), 250)

	res := process(t, session, "STARTTLS")
	expectCode(t, res, 220)
	if res.Action != UpgradeTLS {
		t.Fatalf("STARTTLS action = %v", res.Action)
	}

	session.TLSActive()
	if !session.IsTLS() {
		t.Fatal("TLS not active after upgrade")
	}
	if session.State() != StateIdle {
		t.Fatalf("state after upgrade = %v, want IDLE", session.State())
	}
	// No EHLO has happened inside the TLS session.
	expectCode(t, process(t, session, "MAIL FROM:<x@y.example>"), 503)
	// TLS is one-shot.
	expectCode(t, process(t, session, "EHLO again.example"), 250)
	expectCode(t, process(t, session, "STARTTLS"), 503)
}

func TestStartTLSUnavailable(t *testing.T) {
	session, _ := newTestSession(t, nil)
	expectCode(t, process(t, session, "EHLO a.example"), 250)
	expectCode(t, process(t, session, "STARTTLS"), 502)
}

func TestEhloCapabilities(t *testing.T) {
	capsOf := func(build func(*SessionBuilder)) []string {
		session, _ := newTestSession(t, build)
		res := process(t, session, "EHLO a.example")
		expectCode(t, res, 250)
		return res.Extra
	}

	t.Run("base", func(t *testing.T) {
		caps := capsOf(nil)
		want := []string{"PIPELINING", "8BITMIME", "SIZE 0"}
		if fmt.Sprint(caps) != fmt.Sprint(want) {
			t.Errorf("caps = %v, want %v", caps, want)
		}
	})
	t.Run("everything on", func(t *testing.T) {
		caps := capsOf(func(b *SessionBuilder) {
			b.MaxSize(1000).EnableSMTPUTF8().EnableStartTLS().
				EnableAuth("PLAIN").EnableAuth("LOGIN").AllowPlaintextAuth()
		})
		want := []string{"PIPELINING", "8BITMIME", "SIZE 1000", "SMTPUTF8", "STARTTLS", "AUTH PLAIN LOGIN"}
		if fmt.Sprint(caps) != fmt.Sprint(want) {
			t.Errorf("caps = %v, want %v", caps, want)
		}
	})
	t.Run("auth hidden without TLS", func(t *testing.T) {
		caps := capsOf(func(b *SessionBuilder) {
			b.EnableStartTLS().EnableAuth("PLAIN")
		})
		for _, c := range caps {
			if strings.HasPrefix(c, "AUTH") {
				t.Errorf("AUTH advertised before STARTTLS: %v", caps)
			}
		}
	})
	t.Run("order is stable", func(t *testing.T) {
		build := func(b *SessionBuilder) { b.MaxSize(5).EnableStartTLS().EnableSMTPUTF8() }
		first := capsOf(build)
		for i := 0; i < 10; i++ {
			if got := capsOf(build); fmt.Sprint(got) != fmt.Sprint(first) {
				t.Fatalf("capability order changed: %v vs %v", got, first)
			}
		}
	})
}

func TestMailRequiresAuth(t *testing.T) {
	session, _ := newTestSession(t, func(b *SessionBuilder) {
		b.EnableAuth("PLAIN").AllowPlaintextAuth()
	})
	expectCode(t, process(t, session, "EHLO a.example"), 250)
	expectCode(t, process(t, session, "MAIL FROM:<x@y.example>"), 530)
}

func TestDataAfterDataReceived(t *testing.T) {
	// A second transaction on the same session.
	session, handler := newTestSession(t, nil)
	expectCode(t, process(t, session, "EHLO a.example"), 250)
	for i := 0; i < 2; i++ {
		expectCode(t, process(t, session, "MAIL FROM:<x@y.example>"), 250)
		expectCode(t, process(t, session, "RCPT TO:<u@v.example>"), 250)
		expectCode(t, process(t, session, "DATA"), 354)
		process(t, session, "body")
		expectCode(t, process(t, session, "."), 250)
	}
	if handler.dataEnd != 2 {
		t.Errorf("dataEnd = %d, want 2", handler.dataEnd)
	}
}

func TestBodyParameter(t *testing.T) {
	session, handler := newTestSession(t, nil)
	expectCode(t, process(t, session, "EHLO a.example"), 250)
	expectCode(t, process(t, session, "MAIL FROM:<x@y.example> BODY=8BITMIME"), 250)
	expectCode(t, process(t, session, "RCPT TO:<u@v.example>"), 250)
	expectCode(t, process(t, session, "DATA"), 354)
	if !handler.is8bit {
		t.Error("8BITMIME not propagated to DataStart")
	}
	session2, _ := newTestSession(t, nil)
	expectCode(t, process(t, session2, "EHLO a.example"), 250)
	expectCode(t, process(t, session2, "MAIL FROM:<x@y.example> BODY=BINARYMIME"), 501)
}
