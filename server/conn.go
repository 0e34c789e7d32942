package server

import (
	"bufio"
	"errors"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/zhouzhipeng/mailin"
	"github.com/zhouzhipeng/mailin/lineio"
)

// maxCmdWire is the largest command line the driver will buffer; the
// engine applies the stricter 512-octet protocol limit on top.
const maxCmdWire = 1024

// maxDataWire is the largest message content line, allowing for the
// stuffed dot on top of the RFC 5322 limit.
const maxDataWire = mailin.MaxDataLineLength + 2

// conn drives one session over one socket. It owns the buffered I/O and
// the clock; command semantics live entirely in the session.
type conn struct {
	srv     *Server
	netConn net.Conn
	session *mailin.Session
	logger  *slog.Logger

	reader   *bufio.Reader
	writer   *bufio.Writer
	deadline time.Time
}

func (c *conn) run() {
	defer func() { _ = c.netConn.Close() }()
	defer func() {
		// A handler that panics costs its own session, not the server.
		if r := recover(); r != nil {
			c.logger.Error("panic in session", slog.Any("panic", r))
			c.write(mailin.Custom(mailin.CodeLocalError, "Aborted: local error in processing"))
		}
	}()

	c.reader = bufio.NewReader(c.netConn)
	c.writer = bufio.NewWriter(c.netConn)
	c.deadline = time.Now().Add(c.srv.sessionTimeout)

	if !c.write(c.session.Greeting()) {
		return
	}

	for {
		line, err := c.readLine(maxCmdWire, false)
		if err != nil {
			if errors.Is(err, lineio.ErrLineTooLong) {
				if !c.write(mailin.Custom(mailin.CodeUnrecognized, "Line too long")) {
					return
				}
				continue
			}
			c.readFailed(err)
			return
		}
		res := c.session.Process(line)
		if !c.dispatch(res) {
			return
		}
		if c.session.State() == mailin.StateClosed {
			return
		}
	}
}

// dispatch serializes a response and honours its transport action. It
// returns false when the connection is finished.
func (c *conn) dispatch(res mailin.Response) bool {
	switch res.Action {
	case mailin.NoReply:
		return true
	case mailin.ReplyAndClose:
		c.write(res)
		return false
	case mailin.UpgradeTLS:
		if !c.write(res) {
			return false
		}
		return c.upgradeTLS()
	case mailin.AwaitData:
		if !c.write(res) {
			return false
		}
		return c.dataLoop()
	default:
		return c.write(res)
	}
}

// dataLoop streams message lines into the session until the terminating
// dot produces a verdict.
func (c *conn) dataLoop() bool {
	for {
		line, err := c.readLine(maxDataWire, true)
		if err != nil {
			switch {
			case errors.Is(err, lineio.ErrLineTooLong):
				c.write(mailin.Custom(mailin.CodeUnrecognized, "Message line too long"))
			case errors.Is(err, lineio.ErrBareLF):
				c.write(mailin.Custom(mailin.CodeUnrecognized, "Message lines must end with CRLF"))
			default:
				c.readFailed(err)
			}
			// No way to resynchronize mid-message; drop the
			// connection. The handler never sees a DataEnd.
			return false
		}
		res := c.session.Process(line)
		if res.Action == mailin.NoReply && res.Code == 0 {
			continue
		}
		return c.dispatch(res)
	}
}

// upgradeTLS swaps the transport under the session. Any bytes the client
// pipelined ahead of the handshake are a protocol violation.
func (c *conn) upgradeTLS() bool {
	if c.reader.Buffered() > 0 {
		c.logger.Warn("data buffered before TLS handshake, closing")
		c.write(mailin.Custom(mailin.CodeFailed, "Pipelining across STARTTLS is not permitted"))
		return false
	}
	if c.srv.acceptor == nil {
		c.logger.Error("STARTTLS accepted without an acceptor")
		return false
	}
	_ = c.netConn.SetDeadline(time.Now().Add(c.srv.idleTimeout))
	tlsConn, err := c.srv.acceptor.Accept(c.netConn)
	if err != nil {
		// Handshake failures get no SMTP reply.
		c.logger.Warn("TLS handshake failed", slog.Any("error", err))
		return false
	}
	_ = tlsConn.SetDeadline(time.Time{})
	c.netConn = tlsConn
	c.reader = bufio.NewReader(tlsConn)
	c.writer = bufio.NewWriter(tlsConn)
	c.session.TLSActive()
	c.logger.Info("connection upgraded to TLS")
	return true
}

// readLine reads one line under the idle and whole-session deadlines.
func (c *conn) readLine(max int, strictCRLF bool) ([]byte, error) {
	idle := time.Now().Add(c.srv.idleTimeout)
	if idle.After(c.deadline) {
		idle = c.deadline
	}
	if err := c.netConn.SetReadDeadline(idle); err != nil {
		return nil, err
	}
	return lineio.ReadLine(c.reader, max, strictCRLF)
}

// readFailed translates a fatal read error into the closing behaviour of
// the error taxonomy: timeouts get a 421, everything else closes silently.
func (c *conn) readFailed(err error) {
	if err == io.EOF || errors.Is(err, net.ErrClosed) {
		return
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		c.write(mailin.Custom(mailin.CodeServiceUnavailable, "Timeout, closing connection"))
		return
	}
	c.logger.Error("read error", slog.Any("error", err))
}

// write serializes one response and flushes it. Write errors close the
// connection without further replies.
func (c *conn) write(res mailin.Response) bool {
	if err := c.netConn.SetWriteDeadline(time.Now().Add(30 * time.Second)); err != nil {
		return false
	}
	if _, err := res.WriteTo(c.writer); err != nil {
		c.logger.Error("write error", slog.Any("error", err))
		return false
	}
	if err := c.writer.Flush(); err != nil {
		c.logger.Error("write error", slog.Any("error", err))
		return false
	}
	return true
}
