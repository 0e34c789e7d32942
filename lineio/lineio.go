// Package lineio reads SMTP wire lines with length enforcement and
// recovers protocol synchronization after oversize input.
package lineio

import (
	"bufio"
	"errors"
)

var (
	// ErrLineTooLong is returned when a line exceeds the caller's limit.
	// The remainder of the line has been drained.
	ErrLineTooLong = errors.New("lineio: line too long")

	// ErrBareLF is returned in strict mode for lines terminated by a
	// lone LF.
	ErrBareLF = errors.New("lineio: line not terminated by CRLF")
)

// ReadLine reads one line of at most max content octets and strips the
// terminator. Command reads are tolerant: a bare LF is accepted as a
// terminator, matching how the server is lenient on read but strict on
// write. With strictCRLF set, a bare LF is an error; message content uses
// this to refuse ambiguous line endings.
//
// When the line exceeds max, the rest of the line is drained from the
// reader so the next read starts on a line boundary, and ErrLineTooLong is
// returned.
func ReadLine(reader *bufio.Reader, max int, strictCRLF bool) ([]byte, error) {
	// Fast path: the whole line is inside the buffer.
	line, err := reader.ReadSlice('\n')
	if err == nil {
		return trimEnding(line, max, strictCRLF)
	}
	if err != bufio.ErrBufferFull {
		return nil, err
	}

	// Slow path: accumulate chunks, bailing out as soon as the limit is
	// passed.
	buf := append([]byte(nil), line...)
	for {
		line, err = reader.ReadSlice('\n')
		buf = append(buf, line...)
		if len(buf) > max+2 {
			if err == bufio.ErrBufferFull {
				drainLine(reader)
			}
			return nil, ErrLineTooLong
		}
		if err == nil {
			return trimEnding(buf, max, strictCRLF)
		}
		if err != bufio.ErrBufferFull {
			return nil, err
		}
	}
}

// trimEnding validates the terminator and the content length. The slice
// handed back aliases the reader's buffer on the fast path and is only
// valid until the next read.
func trimEnding(b []byte, max int, strictCRLF bool) ([]byte, error) {
	// b ends in '\n' by construction.
	content := b[:len(b)-1]
	if len(content) > 0 && content[len(content)-1] == '\r' {
		content = content[:len(content)-1]
	} else if strictCRLF {
		return nil, ErrBareLF
	}
	if len(content) > max {
		return nil, ErrLineTooLong
	}
	return content, nil
}

// drainLine discards input up to and including the next newline.
func drainLine(reader *bufio.Reader) {
	for {
		_, err := reader.ReadSlice('\n')
		if err != bufio.ErrBufferFull {
			return
		}
	}
}

// DotStuff escapes one outgoing message line: a line starting with a dot
// gets a second dot prepended. The inverse transformation is performed by
// the session engine on receive, so stuff-then-unstuff round-trips any
// body.
func DotStuff(line []byte) []byte {
	if len(line) > 0 && line[0] == '.' {
		stuffed := make([]byte, 0, len(line)+1)
		stuffed = append(stuffed, '.')
		return append(stuffed, line...)
	}
	return line
}
