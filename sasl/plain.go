package sasl

import (
	"bytes"
	"encoding/base64"
)

// Plain implements the PLAIN mechanism (RFC 4616). The whole exchange fits
// in a single response: base64("authzid NUL authcid NUL passwd").
type Plain struct {
	creds *Credentials
}

// NewPlain creates a PLAIN exchange.
func NewPlain() *Plain {
	return &Plain{}
}

// Name returns "PLAIN".
func (p *Plain) Name() string { return "PLAIN" }

// Start consumes the initial response if the client supplied one, otherwise
// asks for an empty 334 challenge.
func (p *Plain) Start(initialResponse string) (string, bool, error) {
	if initialResponse == "" {
		return "", false, nil
	}
	return p.decode(initialResponse)
}

// Next consumes the client's answer to the empty challenge.
func (p *Plain) Next(response string) (string, bool, error) {
	return p.decode(response)
}

func (p *Plain) decode(response string) (string, bool, error) {
	if response == "*" {
		return "", true, ErrCancelled
	}
	decoded, err := base64.StdEncoding.DecodeString(response)
	if err != nil {
		return "", true, ErrInvalidBase64
	}
	parts := bytes.Split(decoded, []byte{0})
	if len(parts) != 3 || len(parts[1]) == 0 {
		return "", true, ErrInvalidFormat
	}
	p.creds = &Credentials{
		AuthorizationID:  string(parts[0]),
		AuthenticationID: string(parts[1]),
		Password:         string(parts[2]),
	}
	return "", true, nil
}

// Credentials returns the decoded credentials once the exchange succeeded.
func (p *Plain) Credentials() *Credentials { return p.creds }
