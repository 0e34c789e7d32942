package mailin

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/zhouzhipeng/mailin/sasl"
)

// MaxDataLineLength is the maximum content length of a message line
// (RFC 5322, without the CRLF).
const MaxDataLineLength = 998

// maxAuthFailures is the number of consecutive 535 replies after which the
// session is closed.
const maxAuthFailures = 3

// SessionState is the protocol phase of a session.
type SessionState int

const (
	// StateIdle is the phase before a successful HELO or EHLO.
	StateIdle SessionState = iota
	// StateGreeted means the client has identified itself.
	StateGreeted
	// StateMailFrom means a reverse path has been accepted.
	StateMailFrom
	// StateRcpt means at least one forward path has been accepted.
	StateRcpt
	// StateData means message content is being streamed.
	StateData
	// StateDataReceived means the terminating dot has been processed.
	StateDataReceived
	// StateClosed means the session is finished.
	StateClosed
)

// String returns the state name for logging.
func (s SessionState) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateGreeted:
		return "GREETED"
	case StateMailFrom:
		return "MAIL"
	case StateRcpt:
		return "RCPT"
	case StateData:
		return "DATA"
	case StateDataReceived:
		return "DATA-RECEIVED"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// SessionBuilder holds per-server configuration and builds a Session per
// connection.
type SessionBuilder struct {
	name               string
	startTLS           bool
	authMechs          []string
	allowPlaintextAuth bool
	maxSize            int64
	smtputf8           bool
}

// NewSessionBuilder creates a builder for the given server name. The name
// is used in the greeting and in EHLO replies.
func NewSessionBuilder(name string) *SessionBuilder {
	return &SessionBuilder{name: name}
}

// EnableStartTLS advertises and accepts the STARTTLS command. The driver
// must call Session.TLSActive after a successful handshake.
func (b *SessionBuilder) EnableStartTLS() *SessionBuilder {
	b.startTLS = true
	return b
}

// EnableAuth adds a SASL mechanism ("PLAIN" or "LOGIN"). Enabling any
// mechanism makes authentication mandatory before MAIL.
func (b *SessionBuilder) EnableAuth(mech string) *SessionBuilder {
	mech = strings.ToUpper(mech)
	for _, m := range b.authMechs {
		if m == mech {
			return b
		}
	}
	b.authMechs = append(b.authMechs, mech)
	return b
}

// AllowPlaintextAuth permits AUTH on unencrypted connections. Without it
// AUTH is refused, and not advertised, until TLS is active.
func (b *SessionBuilder) AllowPlaintextAuth() *SessionBuilder {
	b.allowPlaintextAuth = true
	return b
}

// MaxSize caps the message size in octets. Zero means unlimited.
func (b *SessionBuilder) MaxSize(n int64) *SessionBuilder {
	b.maxSize = n
	return b
}

// EnableSMTPUTF8 advertises the SMTPUTF8 extension.
func (b *SessionBuilder) EnableSMTPUTF8() *SessionBuilder {
	b.smtputf8 = true
	return b
}

// Build creates a session for a connection from the given remote address.
// The handler receives the policy upcalls for this one session.
func (b *SessionBuilder) Build(remote net.IP, handler Handler) *Session {
	return &Session{
		config:  *b,
		remote:  remote,
		handler: handler,
	}
}

// Session is the per-connection SMTP state machine. It consumes received
// lines and produces responses; it performs no I/O of its own. A session is
// owned by exactly one goroutine and is not safe for concurrent use.
type Session struct {
	config  SessionBuilder
	remote  net.IP
	handler Handler

	state    SessionState
	heloName string
	esmtp    bool

	reversePath  string
	forwardPaths []string
	is8bit       bool

	tlsActive bool

	authMech      sasl.Mechanism
	authenticated bool
	authIdentity  string
	authFailures  int

	dataSize     int64
	dataOversize bool
	dataErr      error
}

// State returns the current protocol phase.
func (s *Session) State() SessionState { return s.state }

// IsTLS reports whether the transport has been upgraded.
func (s *Session) IsTLS() bool { return s.tlsActive }

// AuthIdentity returns the authenticated identity, or "".
func (s *Session) AuthIdentity() string { return s.authIdentity }

// Greeting returns the 220 banner to send when the connection is accepted.
func (s *Session) Greeting() Response {
	return Response{Code: CodeServiceReady, Message: s.config.name + " ESMTP"}
}

// TLSActive must be called by the driver after a successful STARTTLS
// handshake. The session restarts from a clean slate: the client must
// identify itself again and any pre-TLS authentication is void. TLS state
// is sticky for the remainder of the session.
func (s *Session) TLSActive() {
	s.tlsActive = true
	s.state = StateIdle
	s.heloName = ""
	s.esmtp = false
	s.clearTransaction()
	s.authMech = nil
	s.authenticated = false
	s.authIdentity = ""
	s.authFailures = 0
}

// Process consumes one received line, CRLF already stripped, and returns
// the response to transmit.
func (s *Session) Process(line []byte) Response {
	switch {
	case s.state == StateClosed:
		return NoService
	case s.state == StateData:
		return s.processDataLine(line)
	case s.authMech != nil:
		return s.processAuthResponse(string(line))
	}
	return s.processCmd(ParseCommand(line, false))
}

func (s *Session) processCmd(cmd Cmd) Response {
	switch cmd.Kind {
	case CmdInvalid:
		return s.invalidResponse(cmd)
	case CmdNoop:
		return OK
	case CmdQuit:
		s.state = StateClosed
		return Goodbye
	case CmdHelo:
		return s.handleHello(cmd, false)
	case CmdEhlo:
		return s.handleHello(cmd, true)
	case CmdRset:
		return s.handleRset()
	case CmdVrfy:
		if s.state == StateIdle {
			return badSequence
		}
		return verifyAnswer
	case CmdMail:
		return s.handleMail(cmd)
	case CmdRcpt:
		return s.handleRcpt(cmd)
	case CmdData:
		return s.handleData()
	case CmdStartTLS:
		return s.handleStartTLS()
	case CmdAuth:
		return s.handleAuth(cmd)
	default:
		return badSequence
	}
}

func (s *Session) invalidResponse(cmd Cmd) Response {
	switch cmd.InvalidKind {
	case SyntaxError, BadParameter:
		return Response{Code: CodeSyntaxError, Message: cmd.InvalidReason}
	case BadMailboxName:
		return Response{Code: CodeBadMailbox, Message: cmd.InvalidReason}
	default:
		return Response{Code: CodeUnrecognized, Message: cmd.InvalidReason}
	}
}

func (s *Session) handleHello(cmd Cmd, esmtp bool) Response {
	res := s.handler.Helo(s.remote, cmd.Domain)
	if res.IsError() {
		return res
	}
	s.heloName = cmd.Domain
	s.esmtp = esmtp
	s.state = StateGreeted
	s.clearTransaction()
	if !esmtp {
		return Response{Code: CodeOK, Message: fmt.Sprintf("%s Hello %s", s.config.name, cmd.Domain)}
	}
	return s.ehloResponse(cmd.Domain)
}

// ehloResponse builds the capability list. The emission order is fixed so
// that a given configuration always advertises identically.
func (s *Session) ehloResponse(domain string) Response {
	caps := make([]string, 0, 6)
	caps = append(caps, "PIPELINING", "8BITMIME")
	caps = append(caps, "SIZE "+strconv.FormatInt(s.config.maxSize, 10))
	if s.config.smtputf8 {
		caps = append(caps, "SMTPUTF8")
	}
	if s.config.startTLS && !s.tlsActive {
		caps = append(caps, "STARTTLS")
	}
	if len(s.config.authMechs) > 0 && s.authAllowed() {
		caps = append(caps, "AUTH "+strings.Join(s.config.authMechs, " "))
	}
	return Response{
		Code:    CodeOK,
		Message: fmt.Sprintf("%s Hello %s", s.config.name, domain),
		Extra:   caps,
	}
}

func (s *Session) handleRset() Response {
	if s.state == StateIdle {
		return OK
	}
	s.clearTransaction()
	s.state = StateGreeted
	return OK
}

func (s *Session) handleMail(cmd Cmd) Response {
	if s.state != StateGreeted && s.state != StateDataReceived {
		return badSequence
	}
	if len(s.config.authMechs) > 0 && !s.authenticated {
		return AuthRequired
	}
	is8bit := false
	for key, value := range cmd.Params {
		switch key {
		case "BODY":
			switch strings.ToUpper(value) {
			case "8BITMIME":
				is8bit = true
			case "7BIT":
			default:
				return Response{Code: CodeSyntaxError, Message: "Invalid BODY parameter"}
			}
		case "SIZE":
			declared, err := strconv.ParseInt(value, 10, 64)
			if err != nil || declared < 0 {
				return Response{Code: CodeSyntaxError, Message: "Invalid SIZE parameter"}
			}
			if s.config.maxSize > 0 && declared > s.config.maxSize {
				return NoStorage
			}
		case "SMTPUTF8":
			if !s.config.smtputf8 {
				return Response{Code: CodeSyntaxError, Message: "SMTPUTF8 not enabled"}
			}
		default:
			// Unknown keywords are tolerated per the parser contract.
		}
	}
	res := s.handler.Mail(s.remote, s.heloName, cmd.Path)
	if res.IsError() {
		return res
	}
	s.clearTransaction()
	s.reversePath = cmd.Path
	s.is8bit = is8bit
	s.state = StateMailFrom
	return res
}

func (s *Session) handleRcpt(cmd Cmd) Response {
	if s.state != StateMailFrom && s.state != StateRcpt {
		return badSequence
	}
	res := s.handler.Rcpt(cmd.Path)
	if res.IsError() {
		return res
	}
	s.forwardPaths = append(s.forwardPaths, cmd.Path)
	s.state = StateRcpt
	return res
}

func (s *Session) handleData() Response {
	if s.state != StateRcpt {
		return badSequence
	}
	res := s.handler.DataStart(s.heloName, s.reversePath, s.is8bit, s.forwardPaths)
	if res.IsError() {
		return res
	}
	s.state = StateData
	s.dataSize = 0
	s.dataOversize = false
	s.dataErr = nil
	return startData
}

func (s *Session) handleStartTLS() Response {
	if !s.config.startTLS {
		return Response{Code: CodeNotImplemented, Message: "Command not implemented"}
	}
	if s.tlsActive {
		return badSequence
	}
	if s.state != StateGreeted {
		return badSequence
	}
	return startTLS
}

func (s *Session) handleAuth(cmd Cmd) Response {
	if len(s.config.authMechs) == 0 {
		return Response{Code: CodeNotImplemented, Message: "Command not implemented"}
	}
	if s.state == StateIdle {
		return badSequence
	}
	if s.authenticated {
		return badSequence
	}
	if s.state != StateGreeted && s.state != StateDataReceived {
		return badSequence
	}
	if !s.authAllowed() {
		return Response{Code: CodeAuthRequired, Message: "Must issue a STARTTLS command first"}
	}
	supported := false
	for _, m := range s.config.authMechs {
		if m == cmd.Mech {
			supported = true
			break
		}
	}
	mech := sasl.New(cmd.Mech)
	if !supported || mech == nil {
		return Response{Code: CodeParamNotImplemented, Message: "Mechanism not supported"}
	}
	challenge, done, err := mech.Start(cmd.Initial)
	return s.continueAuth(mech, challenge, done, err)
}

func (s *Session) processAuthResponse(line string) Response {
	mech := s.authMech
	challenge, done, err := mech.Next(line)
	return s.continueAuth(mech, challenge, done, err)
}

func (s *Session) continueAuth(mech sasl.Mechanism, challenge string, done bool, err error) Response {
	if err != nil {
		s.authMech = nil
		if err == sasl.ErrCancelled {
			return Response{Code: CodeSyntaxError, Message: "Authentication cancelled"}
		}
		return s.authFailed()
	}
	if !done {
		s.authMech = mech
		return Response{Code: CodeAuthContinue, Message: challenge}
	}
	s.authMech = nil
	creds := mech.Credentials()
	var res Response
	switch mech.Name() {
	case "LOGIN":
		res = s.handler.AuthLogin(creds.AuthenticationID, creds.Password)
	default:
		res = s.handler.AuthPlain(creds.AuthorizationID, creds.AuthenticationID, creds.Password)
	}
	if res.IsError() {
		return s.authFailed()
	}
	s.authenticated = true
	s.authIdentity = creds.Identity()
	s.authFailures = 0
	return authSucceeded
}

// authFailed counts consecutive credential failures; the third one closes
// the session.
func (s *Session) authFailed() Response {
	s.authFailures++
	if s.authFailures >= maxAuthFailures {
		s.state = StateClosed
		return Response{Code: CodeBadCredentials, Message: "Too many authentication failures", Action: ReplyAndClose}
	}
	return InvalidCredentials
}

// authAllowed reports whether an AUTH exchange would be accepted on the
// current transport.
func (s *Session) authAllowed() bool {
	return s.tlsActive || s.config.allowPlaintextAuth
}

func (s *Session) processDataLine(line []byte) Response {
	if len(line) == 1 && line[0] == '.' {
		return s.endOfData()
	}
	// Dot-unstuffing: a leading dot followed by content is transport
	// escaping, not message content.
	if len(line) > 0 && line[0] == '.' {
		line = line[1:]
	}
	if s.dataErr != nil || s.dataOversize {
		return empty
	}
	if len(line) > MaxDataLineLength {
		s.dataErr = fmt.Errorf("mailin: message line longer than %d octets", MaxDataLineLength)
		return empty
	}
	s.dataSize += int64(len(line)) + 2
	if s.config.maxSize > 0 && s.dataSize > s.config.maxSize {
		// Keep draining without forwarding; the verdict comes with the
		// final dot.
		s.dataOversize = true
		return empty
	}
	buf := make([]byte, 0, len(line)+2)
	buf = append(buf, line...)
	buf = append(buf, '\r', '\n')
	if err := s.handler.Data(buf); err != nil {
		s.dataErr = err
	}
	return empty
}

func (s *Session) endOfData() Response {
	s.state = StateDataReceived
	switch {
	case s.dataOversize:
		return Response{Code: CodeNoStorage, Message: "Message too large"}
	case s.dataErr != nil:
		return TransactionFailed
	default:
		return s.handler.DataEnd()
	}
}

func (s *Session) clearTransaction() {
	s.reversePath = ""
	s.forwardPaths = nil
	s.is8bit = false
	s.dataSize = 0
	s.dataOversize = false
	s.dataErr = nil
}
