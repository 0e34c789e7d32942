// Package server provides an embeddable SMTP server around the session
// engine: socket handling, a bounded worker pool, STARTTLS upgrades, and
// timeouts. The server uses blocking I/O; each connection is driven to
// completion by one worker.
package server

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zhouzhipeng/mailin"
	"github.com/zhouzhipeng/mailin/utils"
)

// ErrServerClosed is returned by Serve after Shutdown or Close.
var ErrServerClosed = errors.New("server: closed")

// HandlerFactory produces the handler for one connection. Returning a fresh
// value per call gives every session its own handler (the cheap-clone
// contract); returning a shared instance is allowed if that instance is
// safe for concurrent use by multiple sessions.
type HandlerFactory func() mailin.Handler

// Server is a configurable SMTP server. Configure it with the chained
// setters, then call ListenAndServe.
type Server struct {
	name           string
	handlerFactory HandlerFactory
	ssl            SslConfig
	acceptor       Acceptor
	authMechs      []string
	allowPlainAuth bool
	smtputf8       bool
	maxSize        int64
	maxWorkers     int
	idleTimeout    time.Duration
	sessionTimeout time.Duration
	shutdownGrace  time.Duration
	logger         *slog.Logger

	addrs     []string
	listeners []net.Listener

	builder *mailin.SessionBuilder
	slots   chan struct{}

	mu     sync.Mutex
	conns  map[net.Conn]struct{}
	wg     sync.WaitGroup
	closed atomic.Bool
}

// New creates a server advertising the given name.
func New(name string) *Server {
	return &Server{
		name:           name,
		handlerFactory: func() mailin.Handler { return mailin.NoopHandler{} },
		maxWorkers:     16,
		idleTimeout:    5 * time.Minute,
		sessionTimeout: 30 * time.Minute,
		shutdownGrace:  30 * time.Second,
		logger:         slog.Default(),
		conns:          make(map[net.Conn]struct{}),
	}
}

// Handler sets a single handler shared by all sessions. The handler must be
// safe for concurrent use; prefer HandlerFactory when per-session state is
// needed.
func (s *Server) Handler(h mailin.Handler) *Server {
	s.handlerFactory = func() mailin.Handler { return h }
	return s
}

// HandlerFactory sets a factory invoked once per connection.
func (s *Server) HandlerFactory(f HandlerFactory) *Server {
	s.handlerFactory = f
	return s
}

// Addr adds a listening address. May be called multiple times.
func (s *Server) Addr(addr string) *Server {
	s.addrs = append(s.addrs, addr)
	return s
}

// AddListener adds an already bound listener.
func (s *Server) AddListener(ln net.Listener) *Server {
	s.listeners = append(s.listeners, ln)
	return s
}

// Ssl sets the STARTTLS configuration. Certificates are loaded once when
// the server starts.
func (s *Server) Ssl(cfg SslConfig) *Server {
	s.ssl = cfg
	return s
}

// EnableAuth enables a SASL mechanism.
func (s *Server) EnableAuth(mech string) *Server {
	s.authMechs = append(s.authMechs, mech)
	return s
}

// AllowPlaintextAuth permits AUTH before STARTTLS.
func (s *Server) AllowPlaintextAuth() *Server {
	s.allowPlainAuth = true
	return s
}

// EnableSMTPUTF8 advertises the SMTPUTF8 extension.
func (s *Server) EnableSMTPUTF8() *Server {
	s.smtputf8 = true
	return s
}

// MaxSize caps message sizes in octets; zero means unlimited.
func (s *Server) MaxSize(n int64) *Server {
	s.maxSize = n
	return s
}

// MaxWorkers bounds the number of concurrent sessions. When all workers
// are busy, new connections are greeted with 421 and closed.
func (s *Server) MaxWorkers(n int) *Server {
	if n > 0 {
		s.maxWorkers = n
	}
	return s
}

// IdleTimeout bounds the wait for a command line.
func (s *Server) IdleTimeout(d time.Duration) *Server {
	s.idleTimeout = d
	return s
}

// SessionTimeout bounds the total lifetime of a session.
func (s *Server) SessionTimeout(d time.Duration) *Server {
	s.sessionTimeout = d
	return s
}

// ShutdownGrace bounds how long Shutdown waits for active sessions.
func (s *Server) ShutdownGrace(d time.Duration) *Server {
	s.shutdownGrace = d
	return s
}

// Logger sets the structured logger; slog.Default is used otherwise.
func (s *Server) Logger(l *slog.Logger) *Server {
	s.logger = l
	return s
}

// InheritListeners adopts sockets passed by a service manager via the
// LISTEN_FDS protocol. Returns the number of adopted listeners.
func (s *Server) InheritListeners() (int, error) {
	pid := os.Getenv("LISTEN_PID")
	fds := os.Getenv("LISTEN_FDS")
	if pid == "" || fds == "" {
		return 0, nil
	}
	if p, err := strconv.Atoi(pid); err != nil || p != os.Getpid() {
		return 0, nil
	}
	n, err := strconv.Atoi(fds)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("server: bad LISTEN_FDS %q", fds)
	}
	const listenFdStart = 3
	adopted := 0
	for i := 0; i < n; i++ {
		f := os.NewFile(uintptr(listenFdStart+i), "listen-fd-"+strconv.Itoa(i))
		ln, err := net.FileListener(f)
		// FileListener duplicates the descriptor.
		_ = f.Close()
		if err != nil {
			return adopted, fmt.Errorf("server: cannot adopt fd %d: %w", listenFdStart+i, err)
		}
		s.listeners = append(s.listeners, ln)
		adopted++
	}
	return adopted, nil
}

// ListenAndServe binds the configured addresses and serves until Shutdown
// or Close. It returns ErrServerClosed on clean shutdown.
func (s *Server) ListenAndServe() error {
	acceptor, err := NewAcceptor(s.ssl)
	if err != nil {
		return err
	}
	s.acceptor = acceptor

	for _, addr := range s.addrs {
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("server: cannot listen on %s: %w", addr, err)
		}
		s.listeners = append(s.listeners, ln)
	}
	if len(s.listeners) == 0 {
		return errors.New("server: no listening addresses configured")
	}
	return s.serve()
}

func (s *Server) serve() error {
	s.builder = s.sessionBuilder()
	s.slots = make(chan struct{}, s.maxWorkers)

	var acceptWg sync.WaitGroup
	for _, ln := range s.listeners {
		s.logger.Info("SMTP server started",
			slog.String("addr", ln.Addr().String()),
			slog.String("name", s.name),
		)
		acceptWg.Add(1)
		go func(ln net.Listener) {
			defer acceptWg.Done()
			s.acceptLoop(ln)
		}(ln)
	}
	acceptWg.Wait()
	return ErrServerClosed
}

func (s *Server) sessionBuilder() *mailin.SessionBuilder {
	builder := mailin.NewSessionBuilder(s.name).MaxSize(s.maxSize)
	if s.ssl.Enabled() {
		builder.EnableStartTLS()
	}
	for _, mech := range s.authMechs {
		builder.EnableAuth(mech)
	}
	if s.allowPlainAuth {
		builder.AllowPlaintextAuth()
	}
	if s.smtputf8 {
		builder.EnableSMTPUTF8()
	}
	return builder
}

func (s *Server) acceptLoop(ln net.Listener) {
	for {
		netConn, err := ln.Accept()
		if err != nil {
			if s.closed.Load() {
				return
			}
			s.logger.Error("accept error", slog.Any("error", err))
			continue
		}
		select {
		case s.slots <- struct{}{}:
		default:
			// Pool saturated: accept-and-refuse keeps the kernel
			// backlog from starving.
			s.refuse(netConn)
			continue
		}
		s.track(netConn, true)
		s.wg.Add(1)
		go func() {
			defer func() {
				s.track(netConn, false)
				<-s.slots
				s.wg.Done()
			}()
			s.handleConnection(netConn)
		}()
	}
}

func (s *Server) refuse(netConn net.Conn) {
	_ = netConn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	fmt.Fprintf(netConn, "421 %s Too busy\r\n", s.name)
	_ = netConn.Close()
	s.logger.Warn("connection refused, worker pool saturated",
		slog.String("remote", netConn.RemoteAddr().String()),
	)
}

func (s *Server) track(netConn net.Conn, add bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		s.conns[netConn] = struct{}{}
	} else {
		delete(s.conns, netConn)
	}
}

func (s *Server) handleConnection(netConn net.Conn) {
	connID := utils.GenerateID()
	logger := s.logger.With(
		slog.String("conn_id", connID),
		slog.String("remote", netConn.RemoteAddr().String()),
	)
	ip, err := utils.IPFromAddr(netConn.RemoteAddr())
	if err != nil {
		ip = net.IPv4zero
	}
	session := s.builder.Build(ip, s.handlerFactory())

	logger.Info("client connected")
	c := &conn{
		srv:     s,
		netConn: netConn,
		session: session,
		logger:  logger,
	}
	c.run()
	logger.Info("client disconnected", slog.String("state", session.State().String()))
}

// Shutdown closes the listeners, waits up to the shutdown grace for active
// sessions to finish, then drops the remainder.
func (s *Server) Shutdown() error {
	s.closeListeners()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-time.After(s.shutdownGrace):
		s.closeConns()
		return errors.New("server: shutdown grace expired, sessions dropped")
	}
}

// Close immediately closes the listeners and all connections.
func (s *Server) Close() error {
	s.closeListeners()
	s.closeConns()
	return nil
}

func (s *Server) closeListeners() {
	s.closed.Store(true)
	for _, ln := range s.listeners {
		_ = ln.Close()
	}
}

func (s *Server) closeConns() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for netConn := range s.conns {
		_ = netConn.SetWriteDeadline(time.Now().Add(time.Second))
		fmt.Fprintf(netConn, "421 %s Service shutting down\r\n", s.name)
		_ = netConn.Close()
	}
}
