package mailin

import (
	"fmt"
	"strings"

	"golang.org/x/net/idna"
)

// MaxCmdLength is the maximum number of octets of command text accepted on a
// single line (RFC 5321 section 4.5.3.1.4, without the CRLF).
const MaxCmdLength = 512

// ParseCommand parses one received line, CRLF already stripped, into a Cmd.
// The parser is pure: it never blocks and never panics on any input. When
// inAuth is true the line is a SASL continuation and is passed through
// untouched as CmdAuthResponse.
func ParseCommand(line []byte, inAuth bool) Cmd {
	if inAuth {
		return Cmd{Kind: CmdAuthResponse, Initial: string(line)}
	}
	if len(line) > MaxCmdLength {
		return invalid(TooLong, "command line too long")
	}
	for _, c := range line {
		if c < 32 || c == 127 {
			return invalid(SyntaxError, "control character in command")
		}
	}
	text := string(line)
	verb, args, _ := strings.Cut(text, " ")
	args = strings.TrimSpace(args)

	switch kind := matchVerb(verb); kind {
	case CmdHelo, CmdEhlo:
		return parseHello(kind, args)
	case CmdMail:
		return parseMail(args)
	case CmdRcpt:
		return parseRcpt(args)
	case CmdData, CmdRset, CmdQuit, CmdStartTLS:
		if args != "" {
			return invalid(SyntaxError, fmt.Sprintf("%s takes no parameters", kind))
		}
		return Cmd{Kind: kind}
	case CmdNoop:
		// NOOP may carry a string which is ignored.
		return Cmd{Kind: CmdNoop}
	case CmdVrfy:
		if args == "" {
			return invalid(SyntaxError, "VRFY requires an address")
		}
		return Cmd{Kind: CmdVrfy, Arg: args}
	case CmdAuth:
		return parseAuth(args)
	default:
		if !isASCII(verb) {
			return invalid(NonAscii, "verb contains non-ASCII octets")
		}
		return invalid(UnknownVerb, fmt.Sprintf("unknown command %q", verb))
	}
}

// matchVerb canonicalizes a verb without allocating. Verbs are four ASCII
// letters, except STARTTLS.
func matchVerb(verb string) CmdKind {
	switch len(verb) {
	case 4:
		switch {
		case strings.EqualFold(verb, "HELO"):
			return CmdHelo
		case strings.EqualFold(verb, "EHLO"):
			return CmdEhlo
		case strings.EqualFold(verb, "MAIL"):
			return CmdMail
		case strings.EqualFold(verb, "RCPT"):
			return CmdRcpt
		case strings.EqualFold(verb, "DATA"):
			return CmdData
		case strings.EqualFold(verb, "RSET"):
			return CmdRset
		case strings.EqualFold(verb, "VRFY"):
			return CmdVrfy
		case strings.EqualFold(verb, "NOOP"):
			return CmdNoop
		case strings.EqualFold(verb, "QUIT"):
			return CmdQuit
		case strings.EqualFold(verb, "AUTH"):
			return CmdAuth
		}
	case 8:
		if strings.EqualFold(verb, "STARTTLS") {
			return CmdStartTLS
		}
	}
	return CmdInvalid
}

func parseHello(kind CmdKind, args string) Cmd {
	if args == "" {
		return invalid(SyntaxError, "hostname required")
	}
	if strings.ContainsAny(args, " \t") {
		return invalid(SyntaxError, "hostname must be a single token")
	}
	domain, ok := normalizeDomain(args)
	if !ok {
		return invalid(SyntaxError, "malformed hostname")
	}
	return Cmd{Kind: kind, Domain: domain}
}

func parseMail(args string) Cmd {
	rest, ok := cutPrefixFold(args, "FROM:")
	if !ok {
		return invalid(SyntaxError, "syntax: MAIL FROM:<address>")
	}
	path, params, cmd, ok := parsePathAndParams(rest, true)
	if !ok {
		return cmd
	}
	return Cmd{Kind: CmdMail, Path: path, Params: params}
}

func parseRcpt(args string) Cmd {
	rest, ok := cutPrefixFold(args, "TO:")
	if !ok {
		return invalid(SyntaxError, "syntax: RCPT TO:<address>")
	}
	path, params, cmd, ok := parsePathAndParams(rest, false)
	if !ok {
		return cmd
	}
	return Cmd{Kind: CmdRcpt, Path: path, Params: params}
}

func parseAuth(args string) Cmd {
	if args == "" {
		return invalid(SyntaxError, "AUTH requires a mechanism")
	}
	mech, initial, _ := strings.Cut(args, " ")
	initial = strings.TrimSpace(initial)
	if strings.Contains(initial, " ") {
		return invalid(SyntaxError, "malformed initial response")
	}
	return Cmd{Kind: CmdAuth, Mech: strings.ToUpper(mech), Initial: initial}
}

// cutPrefixFold strips a case-insensitive prefix.
func cutPrefixFold(s, prefix string) (string, bool) {
	if len(s) >= len(prefix) && strings.EqualFold(s[:len(prefix)], prefix) {
		return s[len(prefix):], true
	}
	return "", false
}

// parsePathAndParams extracts the angle-bracketed path and trailing ESMTP
// parameters. An empty path is only legal for MAIL (the null sender).
func parsePathAndParams(s string, allowEmpty bool) (string, map[string]string, Cmd, bool) {
	s = strings.TrimLeft(s, " ")
	if !strings.HasPrefix(s, "<") {
		return "", nil, invalid(SyntaxError, "address must be enclosed in angle brackets"), false
	}
	end := strings.IndexByte(s, '>')
	if end < 0 {
		return "", nil, invalid(SyntaxError, "unterminated address"), false
	}
	path := s[1:end]
	// Strip an RFC 5321 source route, "@relay1,@relay2:user@example.org".
	if strings.HasPrefix(path, "@") {
		if colon := strings.IndexByte(path, ':'); colon >= 0 {
			path = path[colon+1:]
		}
	}
	if path == "" && !allowEmpty {
		return "", nil, invalid(BadMailboxName, "empty forward path"), false
	}
	if path != "" {
		if !validMailbox(path) {
			return "", nil, invalid(BadMailboxName, fmt.Sprintf("bad mailbox %q", path)), false
		}
	}
	params, bad := parseParams(s[end+1:])
	if bad != "" {
		return "", nil, invalid(BadParameter, bad), false
	}
	return path, params, Cmd{}, true
}

// parseParams parses SP-separated KEY[=VALUE] tokens. Unknown keywords are
// tolerated here; binding semantics are the state machine's concern.
func parseParams(s string) (map[string]string, string) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, ""
	}
	params := make(map[string]string)
	for _, tok := range strings.Fields(s) {
		key, value, _ := strings.Cut(tok, "=")
		if key == "" || !validParamKeyword(key) {
			return nil, fmt.Sprintf("bad parameter %q", tok)
		}
		key = strings.ToUpper(key)
		if _, dup := params[key]; dup {
			return nil, fmt.Sprintf("duplicate parameter %q", key)
		}
		params[key] = value
	}
	return params, ""
}

func validParamKeyword(key string) bool {
	for i := 0; i < len(key); i++ {
		c := key[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case c == '-':
		default:
			return false
		}
	}
	return true
}

// validMailbox accepts local-part[@domain]. A missing domain is tolerated
// (clients send RCPT TO:<postmaster>); a present domain must be a dot-atom
// or address literal.
func validMailbox(path string) bool {
	at := strings.LastIndexByte(path, '@')
	local := path
	if at >= 0 {
		local = path[:at]
		domain := path[at+1:]
		if _, ok := normalizeDomain(domain); !ok {
			return false
		}
	}
	if local == "" {
		return false
	}
	return !strings.ContainsAny(local, " \t<>")
}

// normalizeDomain validates a dot-atom or address-literal domain argument.
// Non-ASCII domains are converted through IDNA; the session decides whether
// the 8-bit original was permitted.
func normalizeDomain(domain string) (string, bool) {
	if domain == "" {
		return "", false
	}
	// Address literal, e.g. [192.0.2.1] or [IPv6:2001:db8::1].
	if strings.HasPrefix(domain, "[") {
		if !strings.HasSuffix(domain, "]") || len(domain) < 3 {
			return "", false
		}
		return domain, true
	}
	if !isASCII(domain) {
		ascii, err := idna.Lookup.ToASCII(domain)
		if err != nil {
			return "", false
		}
		domain = ascii
	}
	for _, label := range strings.Split(domain, ".") {
		if !validLabel(label) {
			return "", false
		}
	}
	return domain, true
}

func validLabel(label string) bool {
	if label == "" || len(label) > 63 {
		return false
	}
	if label[0] == '-' || label[len(label)-1] == '-' {
		return false
	}
	for i := 0; i < len(label); i++ {
		c := label[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_':
		default:
			return false
		}
	}
	return true
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] > 127 {
			return false
		}
	}
	return true
}
