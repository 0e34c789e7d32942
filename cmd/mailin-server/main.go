// Command mailin-server is a standalone SMTP receiver: it stores accepted
// messages in a maildir-style directory, consults DNS blocklists at HELO
// time, and optionally authenticates clients against a bcrypt credential
// file.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/zhouzhipeng/mailin/mxdns"
	"github.com/zhouzhipeng/mailin/server"
	"golang.org/x/crypto/bcrypt"
)

// Exit codes: 0 clean shutdown, 2 bad configuration, 64 bind failure.
const (
	exitBadConfig   = 2
	exitBindFailure = 64
)

// listFlag collects repeatable string flags.
type listFlag []string

func (l *listFlag) String() string { return strings.Join(*l, ",") }

func (l *listFlag) Set(value string) error {
	*l = append(*l, value)
	return nil
}

type config struct {
	addresses   listFlag
	name        string
	certPath    string
	keyPath     string
	chainPath   string
	maxSize     int64
	maxWorkers  int
	blocklists  listFlag
	maildir     string
	authFile    string
	metricsAddr string
	logLevel    string
}

func parseFlags(args []string) (*config, error) {
	cfg := &config{}
	fs := flag.NewFlagSet("mailin-server", flag.ContinueOnError)
	fs.Var(&cfg.addresses, "address", "address to listen on as HOST:PORT (repeatable)")
	fs.StringVar(&cfg.name, "name", "localhost", "server FQDN used in greetings")
	fs.StringVar(&cfg.certPath, "cert", "", "TLS certificate file")
	fs.StringVar(&cfg.keyPath, "key", "", "TLS key file")
	fs.StringVar(&cfg.chainPath, "chain", "", "TLS chain of trust file")
	fs.Int64Var(&cfg.maxSize, "max-size", 0, "maximum message size in bytes, 0 for unlimited")
	fs.IntVar(&cfg.maxWorkers, "max-workers", 16, "maximum concurrent sessions")
	fs.Var(&cfg.blocklists, "blocklist", "DNS blocklist zone (repeatable)")
	fs.StringVar(&cfg.maildir, "maildir", "mail", "directory to store mail in")
	fs.StringVar(&cfg.authFile, "auth-file", "", "credential file with user:bcrypt-hash lines; enables AUTH")
	fs.StringVar(&cfg.metricsAddr, "metrics-address", "", "address for the Prometheus /metrics listener")
	fs.StringVar(&cfg.logLevel, "log-level", "info", "log level: debug, info, warn, error")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if (cfg.certPath == "") != (cfg.keyPath == "") {
		return nil, fmt.Errorf("-cert and -key must be given together")
	}
	if cfg.chainPath != "" && cfg.certPath == "" {
		return nil, fmt.Errorf("-chain requires -cert and -key")
	}
	if cfg.maxWorkers <= 0 {
		return nil, fmt.Errorf("-max-workers must be positive")
	}
	return cfg, nil
}

func newLogger(level string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("bad log level %q", level)
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})), nil
}

// loadCredentials reads "user:bcrypt-hash" lines.
func loadCredentials(path string) (map[string][]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	creds := make(map[string][]byte)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		user, hash, found := strings.Cut(line, ":")
		if !found || user == "" {
			return nil, fmt.Errorf("malformed credential line %q", line)
		}
		if _, err := bcrypt.Cost([]byte(hash)); err != nil {
			return nil, fmt.Errorf("user %s: not a bcrypt hash: %w", user, err)
		}
		creds[user] = []byte(hash)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return creds, nil
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	cfg, err := parseFlags(args)
	if err == flag.ErrHelp {
		return 0
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitBadConfig
	}
	logger, err := newLogger(cfg.logLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitBadConfig
	}

	resolver, err := mxdns.New(cfg.blocklists)
	if err != nil {
		logger.Error("cannot configure DNS", slog.Any("error", err))
		return exitBadConfig
	}

	store, err := NewMailStore(cfg.maildir, logger)
	if err != nil {
		logger.Error("cannot open mail store", slog.Any("error", err))
		return exitBadConfig
	}

	var creds map[string][]byte
	if cfg.authFile != "" {
		if creds, err = loadCredentials(cfg.authFile); err != nil {
			logger.Error("cannot load credentials", slog.Any("error", err))
			return exitBadConfig
		}
	}

	srv := server.New(cfg.name).
		MaxSize(cfg.maxSize).
		MaxWorkers(cfg.maxWorkers).
		Logger(logger).
		HandlerFactory(newHandlerFactory(resolver, store, creds, logger))
	if cfg.certPath != "" {
		if cfg.chainPath != "" {
			srv.Ssl(server.SslTrusted(cfg.certPath, cfg.keyPath, cfg.chainPath))
		} else {
			srv.Ssl(server.SslSelfSigned(cfg.certPath, cfg.keyPath))
		}
	}
	if creds != nil {
		srv.EnableAuth("PLAIN").EnableAuth("LOGIN")
	}

	adopted, err := srv.InheritListeners()
	if err != nil {
		logger.Error("cannot adopt inherited sockets", slog.Any("error", err))
		return exitBindFailure
	}
	if adopted > 0 {
		logger.Info("adopted inherited listeners", slog.Int("count", adopted))
	}
	if len(cfg.addresses) == 0 && adopted == 0 {
		cfg.addresses = listFlag{"127.0.0.1:8025"}
	}
	for _, addr := range cfg.addresses {
		srv.Addr(addr)
	}

	if cfg.metricsAddr != "" {
		go func() {
			if err := serveMetrics(cfg.metricsAddr); err != nil {
				logger.Error("metrics listener failed", slog.Any("error", err))
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("shutting down", slog.String("signal", sig.String()))
		if err := srv.Shutdown(); err != nil {
			logger.Warn("shutdown", slog.Any("error", err))
		}
	}()

	if err := srv.ListenAndServe(); err != nil && err != server.ErrServerClosed {
		logger.Error("server failed", slog.Any("error", err))
		return exitBindFailure
	}
	return 0
}
