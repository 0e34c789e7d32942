package mailin

import "net"

// A Handler makes decisions about incoming mail commands.
//
// A Handler implementation must be provided by code using the library. The
// engine calls a handler synchronously from the single goroutine that owns
// the session; a handler instance is therefore never called concurrently,
// but separate sessions run on separate goroutines, so anything shared
// between handler instances must be safe for concurrent use.
//
// Embed NoopHandler to get default implementations for the upcalls a
// handler does not care about.
type Handler interface {
	// Helo is called when a client sends a HELO or EHLO command.
	Helo(ip net.IP, domain string) Response

	// Mail is called when a mail transaction is started.
	Mail(ip net.IP, heloDomain, from string) Response

	// Rcpt is called for each recipient.
	Rcpt(to string) Response

	// AuthPlain is called with decoded PLAIN credentials.
	AuthPlain(authorizationID, authenticationID, password string) Response

	// AuthLogin is called with decoded LOGIN credentials.
	AuthLogin(username, password string) Response

	// DataStart is called when a DATA command has been accepted, before
	// any message content arrives.
	DataStart(heloDomain, from string, is8bit bool, to []string) Response

	// Data receives one message line, dot-unstuffed, CRLF included. An
	// error aborts the transaction with a 554 reply at end of data.
	Data(line []byte) error

	// DataEnd is called after the terminating dot. Its response decides
	// the fate of the message.
	DataEnd() Response
}

// NoopHandler accepts everything except authentication. Embed it to
// implement only the upcalls a policy cares about.
type NoopHandler struct{}

func (NoopHandler) Helo(net.IP, string) Response { return OK }

func (NoopHandler) Mail(net.IP, string, string) Response { return OK }

func (NoopHandler) Rcpt(string) Response { return OK }

func (NoopHandler) AuthPlain(string, string, string) Response { return InvalidCredentials }

func (NoopHandler) AuthLogin(string, string) Response { return InvalidCredentials }

func (NoopHandler) DataStart(string, string, bool, []string) Response { return OK }

func (NoopHandler) Data([]byte) error { return nil }

func (NoopHandler) DataEnd() Response { return OK }
