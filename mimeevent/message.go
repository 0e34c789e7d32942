package mimeevent

import "strings"

// Part describes one body part located during parsing.
type Part struct {
	// ContentType of the part, or "" when none was declared.
	ContentType string
	// Start and End are byte offsets into the message.
	Start int
	End   int
	// Lines is the number of content lines seen.
	Lines int
}

// Message is a summary of a parsed message: the interesting top-level
// headers plus the location of each body part. Content is not retained.
type Message struct {
	From        string
	To          []string
	Subject     string
	MessageID   string
	ContentType string
	Parts       []Part
}

// MessageParser feeds lines through an event Parser and accumulates a
// Message summary, for storage layers that index rather than interpret
// mail.
type MessageParser struct {
	parser  *Parser
	message Message

	inTopHeaders bool
	current      *Part
}

// NewMessageParser creates a message summarizer.
func NewMessageParser() *MessageParser {
	mp := &MessageParser{inTopHeaders: true}
	mp.parser = NewParser(HandlerFunc(mp.event))
	return mp
}

// Line feeds one message line.
func (mp *MessageParser) Line(line []byte) {
	mp.parser.Line(line)
}

// End finishes parsing and returns the accumulated summary.
func (mp *MessageParser) End() Message {
	mp.parser.Close()
	return mp.message
}

func (mp *MessageParser) event(ev Event) {
	switch ev.Kind {
	case Header:
		mp.header(ev)
	case MultipartStart:
		mp.inTopHeaders = false
	case PartStart:
		mp.inTopHeaders = false
		mp.newPart(ev.Offset)
	case BodyStart:
		mp.inTopHeaders = false
		// Single-part messages have no PartStart; the body itself is
		// the only part.
		if mp.current == nil {
			mp.newPart(ev.Offset)
		}
	case Body:
		if mp.current != nil {
			mp.current.Lines++
			mp.current.End = ev.Offset + len(ev.Line) + 2
		}
	case PartEnd:
		if mp.current != nil && mp.current.End == 0 {
			mp.current.End = ev.Offset
		}
		mp.current = nil
	case End:
		if mp.current != nil && mp.current.End == 0 {
			mp.current.End = ev.Offset
		}
	}
}

func (mp *MessageParser) newPart(offset int) {
	mp.message.Parts = append(mp.message.Parts, Part{Start: offset})
	mp.current = &mp.message.Parts[len(mp.message.Parts)-1]
}

func (mp *MessageParser) header(ev Event) {
	if mp.inTopHeaders {
		switch {
		case strings.EqualFold(ev.Name, "From"):
			mp.message.From = ev.Value
		case strings.EqualFold(ev.Name, "To"):
			mp.message.To = append(mp.message.To, splitAddressList(ev.Value)...)
		case strings.EqualFold(ev.Name, "Subject"):
			mp.message.Subject = ev.Value
		case strings.EqualFold(ev.Name, "Message-ID"):
			mp.message.MessageID = ev.Value
		case strings.EqualFold(ev.Name, "Content-Type"):
			mp.message.ContentType = ev.Value
		}
		return
	}
	if mp.current != nil && strings.EqualFold(ev.Name, "Content-Type") {
		mp.current.ContentType = ev.Value
	}
}

func splitAddressList(value string) []string {
	raw := strings.Split(value, ",")
	addrs := make([]string, 0, len(raw))
	for _, a := range raw {
		if a = strings.TrimSpace(a); a != "" {
			addrs = append(addrs, a)
		}
	}
	return addrs
}
