package main

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/zhouzhipeng/mailin"
	"github.com/zhouzhipeng/mailin/mimeevent"
)

// MailStore writes accepted messages into a maildir-style layout: content
// is streamed to tmp/ and renamed into new/ once the transaction commits,
// so new/ never contains partial messages. An envelope sidecar in
// MessagePack is written next to each message. A MailStore is shared by
// all sessions; each in-flight message has its own IncomingMessage.
type MailStore struct {
	dir    string
	logger *slog.Logger
}

// NewMailStore prepares the storage directories.
func NewMailStore(dir string, logger *slog.Logger) (*MailStore, error) {
	for _, sub := range []string{"tmp", "new"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o750); err != nil {
			return nil, fmt.Errorf("cannot create maildir: %w", err)
		}
	}
	return &MailStore{dir: dir, logger: logger}, nil
}

// IncomingMessage is one message being received.
type IncomingMessage struct {
	store    *MailStore
	envelope *mailin.Envelope
	path     string
	file     *os.File
	writer   *bufio.Writer
	parser   *mimeevent.MessageParser
	size     int64
}

// Start opens a tmp file for a new message.
func (s *MailStore) Start(envelope *mailin.Envelope) (*IncomingMessage, error) {
	path := filepath.Join(s.dir, "tmp", envelope.ID)
	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o640)
	if err != nil {
		return nil, fmt.Errorf("cannot create message file: %w", err)
	}
	s.logger.Debug("writing message", slog.String("path", path))
	return &IncomingMessage{
		store:    s,
		envelope: envelope,
		path:     path,
		file:     file,
		writer:   bufio.NewWriter(file),
		parser:   mimeevent.NewMessageParser(),
	}, nil
}

// Write appends one message line.
func (m *IncomingMessage) Write(line []byte) error {
	m.parser.Line(line)
	n, err := m.writer.Write(line)
	m.size += int64(n)
	return err
}

// Commit finishes the message: content moves to new/ and the envelope
// sidecar is written. Returns the parsed summary.
func (m *IncomingMessage) Commit() (mimeevent.Message, error) {
	summary := m.parser.End()
	if err := m.writer.Flush(); err != nil {
		m.discard()
		return summary, err
	}
	if err := m.file.Close(); err != nil {
		m.discard()
		return summary, err
	}
	dest := filepath.Join(m.store.dir, "new", m.envelope.ID)
	if err := os.Rename(m.path, dest); err != nil {
		m.discard()
		return summary, err
	}
	if err := m.writeSidecar(dest + ".envelope"); err != nil {
		return summary, err
	}
	m.store.logger.Info("message stored",
		slog.String("path", dest),
		slog.String("from", m.envelope.From),
		slog.String("subject", summary.Subject),
		slog.Int64("size", m.size),
	)
	return summary, nil
}

// Abort drops a partially received message.
func (m *IncomingMessage) Abort() {
	_ = m.file.Close()
	m.discard()
}

func (m *IncomingMessage) discard() {
	if err := os.Remove(m.path); err != nil && !os.IsNotExist(err) {
		m.store.logger.Warn("cannot remove message file",
			slog.String("path", m.path), slog.Any("error", err))
	}
}

func (m *IncomingMessage) writeSidecar(path string) error {
	data, err := m.envelope.ToMessagePack()
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o640)
}
