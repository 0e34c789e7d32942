package main

import (
	"log/slog"
	"net"
	"time"

	"github.com/zhouzhipeng/mailin"
	"github.com/zhouzhipeng/mailin/mxdns"
	"github.com/zhouzhipeng/mailin/server"
	"github.com/zhouzhipeng/mailin/utils"
	"golang.org/x/crypto/bcrypt"
)

// policyHandler decides what mail to accept. One instance serves one
// session; the mail store and resolver behind it are shared and safe for
// concurrent use.
type policyHandler struct {
	mailin.NoopHandler

	resolver *mxdns.MxDns
	store    *MailStore
	creds    map[string][]byte
	logger   *slog.Logger

	remote   net.IP
	helo     string
	identity string
	incoming *IncomingMessage
}

func newHandlerFactory(resolver *mxdns.MxDns, store *MailStore, creds map[string][]byte, logger *slog.Logger) server.HandlerFactory {
	return func() mailin.Handler {
		return &policyHandler{
			resolver: resolver,
			store:    store,
			creds:    creds,
			logger:   logger,
		}
	}
}

// Helo applies connection policy: local clients are always welcome, other
// clients must pass a forward-confirmed reverse DNS check and must not be
// on a blocklist.
func (h *policyHandler) Helo(ip net.IP, domain string) mailin.Response {
	metricHelo.Inc()
	h.remote = ip
	h.helo = domain
	if ip.IsLoopback() {
		return mailin.OK
	}
	rdns, err := h.resolver.Fcrdns(ip)
	if err == nil && !rdns.IsConfirmed() {
		metricFcrdnsFail.Inc()
		return mailin.BadHello
	}
	if h.resolver.IsBlocked(ip) {
		metricBlocked.Inc()
		return mailin.BlockedIP
	}
	return mailin.OK
}

func (h *policyHandler) AuthPlain(_, authenticationID, password string) mailin.Response {
	return h.checkCredentials(authenticationID, password)
}

func (h *policyHandler) AuthLogin(username, password string) mailin.Response {
	return h.checkCredentials(username, password)
}

func (h *policyHandler) checkCredentials(user, password string) mailin.Response {
	hash, ok := h.creds[user]
	if !ok {
		// Compare against a dummy hash so unknown and known users
		// take the same time.
		_ = bcrypt.CompareHashAndPassword(dummyHash, []byte(password))
		metricAuthFailure.Inc()
		return mailin.InvalidCredentials
	}
	if bcrypt.CompareHashAndPassword(hash, []byte(password)) != nil {
		metricAuthFailure.Inc()
		return mailin.InvalidCredentials
	}
	h.identity = user
	return mailin.OK
}

// dummyHash is a bcrypt hash of an unguessable throwaway value.
var dummyHash = func() []byte {
	hash, err := bcrypt.GenerateFromPassword([]byte("mailin-dummy"), bcrypt.MinCost)
	if err != nil {
		panic(err)
	}
	return hash
}()

func (h *policyHandler) DataStart(helo, from string, is8bit bool, to []string) mailin.Response {
	if h.incoming != nil {
		// A previous transaction never reached its verdict.
		h.incoming.Abort()
		h.incoming = nil
	}
	envelope := &mailin.Envelope{
		ID:           utils.GenerateID(),
		Helo:         helo,
		From:         from,
		To:           append([]string(nil), to...),
		Is8bit:       is8bit,
		RemoteIP:     h.remote.String(),
		AuthIdentity: h.identity,
		ReceivedAt:   time.Now(),
	}
	incoming, err := h.store.Start(envelope)
	if err != nil {
		h.logger.Error("cannot start message", slog.Any("error", err))
		metricStoreError.Inc()
		return mailin.InternalError
	}
	h.incoming = incoming
	return mailin.OK
}

func (h *policyHandler) Data(line []byte) error {
	return h.incoming.Write(line)
}

func (h *policyHandler) DataEnd() mailin.Response {
	incoming := h.incoming
	h.incoming = nil
	if _, err := incoming.Commit(); err != nil {
		h.logger.Error("cannot store message", slog.Any("error", err))
		metricStoreError.Inc()
		return mailin.InternalError
	}
	metricReceived.Inc()
	return mailin.Custom(mailin.CodeOK, "OK, queued as "+incoming.envelope.ID)
}
