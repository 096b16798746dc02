// Package mbox reads the mbox files written by the mbox sink.
package mbox

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"

	mboxlib "github.com/emersion/go-mbox"
	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-message/textproto"
)

// Message is one message of an mbox file.
type Message struct {
	Header mail.Header
	Body   []byte
}

// Read calls fn for every message in the file at path. Messages whose
// header cannot be parsed are skipped.
func Read(path string, fn func(m *Message) error) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open mbox: %w", err)
	}
	defer file.Close()

	reader := mboxlib.NewReader(file)
	for {
		msgReader, err := reader.NextMessage()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("read mbox %s: %w", path, err)
		}

		br := bufio.NewReader(msgReader)
		th, err := textproto.ReadHeader(br)
		if err != nil {
			// try to continue
			continue
		}
		body, err := io.ReadAll(br)
		if err != nil {
			continue
		}

		msg := &Message{Body: body}
		msg.Header.Header.Header = th
		if err := fn(msg); err != nil {
			return err
		}
	}
}

// CountMessages counts the total number of messages in an mbox file.
func CountMessages(path string) (int, error) {
	file, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open mbox: %w", err)
	}
	defer file.Close()

	reader := mboxlib.NewReader(file)
	count := 0
	for {
		_, err := reader.NextMessage()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return count, nil
			}
			return count, fmt.Errorf("read mbox %s: %w", path, err)
		}
		count++
	}
}
