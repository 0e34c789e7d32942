package mimeevent

import (
	"bytes"
	"mime"
	"strings"
)

type parseState int

const (
	stateStart parseState = iota
	stateHeader
	statePreamble
	statePartHeader
	stateBody
)

// Parser turns message lines into events. Feed it with Line, finish with
// Close. A Parser handles one message; create a new one per message.
type Parser struct {
	handler Handler
	state   parseState
	offset  int

	// Pending header line, buffered until folding is resolved.
	headerBuf []byte

	// Active multipart boundaries, innermost last, each stored with the
	// leading "--".
	boundaries []string

	// Media type of the entity whose headers are being scanned; a
	// multipart type switches the body to preamble scanning.
	pendingMedia  string
	pendingParams map[string]string

	// inPart is set between a BodyStart and the matching PartEnd.
	inPart bool
}

// NewParser creates a parser delivering events to the given handler.
func NewParser(handler Handler) *Parser {
	return &Parser{handler: handler}
}

// Line feeds one message line, with or without its trailing CRLF.
func (p *Parser) Line(line []byte) {
	content := bytes.TrimRight(line, "\r\n")
	if p.state == stateStart {
		p.handler.Event(Event{Kind: Start})
		p.state = stateHeader
	}
	switch p.state {
	case stateHeader, statePartHeader:
		p.headerLine(content)
	case statePreamble:
		p.preambleLine(content)
	case stateBody:
		p.bodyLine(content)
	}
	p.offset += len(content) + 2
}

// Close flushes any pending state and emits End. The parser must not be
// used afterwards.
func (p *Parser) Close() {
	p.flushHeader()
	if p.inPart {
		p.handler.Event(Event{Kind: PartEnd, Offset: p.offset})
		p.inPart = false
	}
	for range p.boundaries {
		p.handler.Event(Event{Kind: MultipartEnd, Offset: p.offset})
	}
	p.boundaries = nil
	p.handler.Event(Event{Kind: End, Offset: p.offset})
}

// headerLine accumulates folded headers and detects the end of the header
// block.
func (p *Parser) headerLine(content []byte) {
	if len(content) == 0 {
		p.flushHeader()
		if p.isMultipart() {
			p.state = statePreamble
			return
		}
		p.handler.Event(Event{Kind: BodyStart, Offset: p.offset + 2})
		p.state = stateBody
		p.inPart = true
		return
	}
	if content[0] == ' ' || content[0] == '\t' {
		// Folded continuation of the pending header.
		p.headerBuf = append(p.headerBuf, ' ')
		p.headerBuf = append(p.headerBuf, bytes.TrimLeft(content, " \t")...)
		return
	}
	p.flushHeader()
	p.headerBuf = append(p.headerBuf[:0], content...)
}

func (p *Parser) flushHeader() {
	if len(p.headerBuf) == 0 {
		return
	}
	name, value, found := strings.Cut(string(p.headerBuf), ":")
	p.headerBuf = p.headerBuf[:0]
	if !found {
		return
	}
	name = strings.TrimSpace(name)
	value = strings.TrimSpace(value)
	ev := Event{Kind: Header, Name: name, Value: value, Offset: p.offset}
	if strings.EqualFold(name, "Content-Type") {
		if media, params, err := mime.ParseMediaType(value); err == nil {
			ev.Params = params
			if strings.HasPrefix(media, "multipart/") {
				if boundary := params["boundary"]; boundary != "" {
					p.pendingMedia = media
					p.pendingParams = params
				}
			}
		}
	}
	p.handler.Event(ev)
}

func (p *Parser) isMultipart() bool {
	return p.pendingMedia != ""
}

// preambleLine skips text before the first boundary of a multipart entity.
func (p *Parser) preambleLine(content []byte) {
	boundary := "--" + p.pendingParams["boundary"]
	if string(content) != boundary {
		return
	}
	p.handler.Event(Event{Kind: MultipartStart, MediaType: p.pendingMedia, Params: p.pendingParams, Offset: p.offset})
	p.boundaries = append(p.boundaries, boundary)
	p.pendingMedia = ""
	p.pendingParams = nil
	p.handler.Event(Event{Kind: PartStart, Offset: p.offset})
	p.state = statePartHeader
}

// bodyLine emits content lines and tracks boundary crossings.
func (p *Parser) bodyLine(content []byte) {
	if len(p.boundaries) > 0 {
		current := p.boundaries[len(p.boundaries)-1]
		switch string(content) {
		case current:
			p.partEnd()
			p.handler.Event(Event{Kind: PartStart, Offset: p.offset})
			p.state = statePartHeader
			return
		case current + "--":
			p.partEnd()
			p.handler.Event(Event{Kind: MultipartEnd, Offset: p.offset})
			p.boundaries = p.boundaries[:len(p.boundaries)-1]
			// Content continues in the enclosing entity, if any.
			return
		}
	}
	p.handler.Event(Event{Kind: Body, Line: content, Offset: p.offset})
}

func (p *Parser) partEnd() {
	p.handler.Event(Event{Kind: PartEnd, Offset: p.offset})
	p.inPart = false
}
