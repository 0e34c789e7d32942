package sasl

import "encoding/base64"

// Challenges sent by the LOGIN mechanism, base64 of "Username:" and
// "Password:".
const (
	loginChallengeUsername = "VXNlcm5hbWU6"
	loginChallengePassword = "UGFzc3dvcmQ6"
)

type loginState int

const (
	loginWantUsername loginState = iota
	loginWantPassword
	loginDone
)

// Login implements the legacy LOGIN mechanism: two 334 prompts, username
// then password, each base64 encoded. Kept for old clients; PLAIN is
// preferred.
type Login struct {
	state    loginState
	username string
	creds    *Credentials
}

// NewLogin creates a LOGIN exchange.
func NewLogin() *Login {
	return &Login{}
}

// Name returns "LOGIN".
func (l *Login) Name() string { return "LOGIN" }

// Start ignores any initial response and prompts for the username.
func (l *Login) Start(string) (string, bool, error) {
	l.state = loginWantUsername
	return loginChallengeUsername, false, nil
}

// Next consumes the username, then the password.
func (l *Login) Next(response string) (string, bool, error) {
	if response == "*" {
		l.state = loginDone
		return "", true, ErrCancelled
	}
	decoded, err := base64.StdEncoding.DecodeString(response)
	if err != nil {
		l.state = loginDone
		return "", true, ErrInvalidBase64
	}
	switch l.state {
	case loginWantUsername:
		l.username = string(decoded)
		l.state = loginWantPassword
		return loginChallengePassword, false, nil
	case loginWantPassword:
		l.creds = &Credentials{
			AuthenticationID: l.username,
			Password:         string(decoded),
		}
		l.state = loginDone
		return "", true, nil
	default:
		return "", true, ErrInvalidFormat
	}
}

// Credentials returns the collected credentials once the exchange succeeded.
func (l *Login) Credentials() *Credentials { return l.creds }
