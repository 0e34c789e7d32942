// Package sasl implements the SASL mechanisms the session engine offers for
// SMTP AUTH (RFC 4954): PLAIN and LOGIN.
//
// Mechanisms are pure state machines. The engine feeds them the initial
// response and continuation lines and relays their challenges; no I/O
// happens here.
package sasl

import "errors"

var (
	// ErrCancelled is returned when the client sends "*" to abort the
	// exchange.
	ErrCancelled = errors.New("sasl: authentication cancelled")

	// ErrInvalidFormat is returned when decoded authentication data does
	// not have the shape the mechanism requires.
	ErrInvalidFormat = errors.New("sasl: invalid authentication data")

	// ErrInvalidBase64 is returned when a response is not valid base64.
	ErrInvalidBase64 = errors.New("sasl: invalid base64 encoding")
)

// Credentials is the outcome of a completed exchange.
type Credentials struct {
	// AuthorizationID is the identity to act as. Empty when the client
	// did not request one or the mechanism cannot carry one.
	AuthorizationID string
	// AuthenticationID is the identity being authenticated.
	AuthenticationID string
	Password         string
}

// Identity returns the effective identity for authorization decisions.
func (c *Credentials) Identity() string {
	if c.AuthorizationID != "" {
		return c.AuthorizationID
	}
	return c.AuthenticationID
}

// Mechanism is a single-use SASL exchange.
type Mechanism interface {
	// Name returns the mechanism name as advertised in EHLO.
	Name() string

	// Start begins the exchange with the optional initial response from
	// the AUTH command line. When done is false the returned challenge
	// must be sent in a 334 reply.
	Start(initialResponse string) (challenge string, done bool, err error)

	// Next consumes one continuation line from the client.
	Next(response string) (challenge string, done bool, err error)

	// Credentials returns the result of a successfully completed
	// exchange, nil otherwise.
	Credentials() *Credentials
}

// New returns a fresh mechanism for the given name, or nil when the name is
// not supported.
func New(name string) Mechanism {
	switch name {
	case "PLAIN":
		return NewPlain()
	case "LOGIN":
		return NewLogin()
	default:
		return nil
	}
}
