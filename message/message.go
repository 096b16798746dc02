// Package message turns the header and body blocks fetched from the server
// into a model.Message.
package message

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-message/textproto"

	"github.com/dhcgn/imap-backup/model"
)

var ErrNoDate = errors.New("message has no usable Date header")

// ParseError reports a message that cannot be archived. The message is
// skipped; the error is never fatal for the folder.
type ParseError struct {
	ID  uint32
	Err error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse message %d: %v", e.ID, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// Parse builds a message from its header and body blocks. Both slices are
// kept as they are; only the Date and Subject fields are decoded.
func Parse(folder string, raw model.RawMessage) (model.Message, error) {
	header, err := readHeader(raw.Header)
	if err != nil {
		return model.Message{}, &ParseError{ID: raw.ID, Err: err}
	}

	value := strings.TrimSpace(header.Get("Date"))
	if value == "" {
		return model.Message{}, &ParseError{ID: raw.ID, Err: ErrNoDate}
	}
	naive := false
	date, err := header.Date()
	if err != nil {
		var naiveErr error
		if date, naiveErr = parseNaiveDate(value); naiveErr != nil {
			return model.Message{}, &ParseError{ID: raw.ID, Err: fmt.Errorf("%w: %v", ErrNoDate, err)}
		}
		naive = true
	}

	subject, err := header.Subject()
	if err != nil {
		// undecodable encoded-words: keep the raw value
		subject = header.Get("Subject")
	}

	return model.Message{
		ID:        raw.ID,
		Folder:    folder,
		Subject:   subject,
		Date:      date,
		NaiveDate: naive,
		Header:    raw.Header,
		Body:      raw.Body,
	}, nil
}

// naiveLayouts are RFC 5322 date-time forms with the zone left out.
var naiveLayouts = []string{
	"Mon, 2 Jan 2006 15:04:05",
	"Mon, 2 Jan 2006 15:04",
	"2 Jan 2006 15:04:05",
	"2 Jan 2006 15:04",
}

// parseNaiveDate reads a Date value without a zone as local wall clock time.
func parseNaiveDate(value string) (time.Time, error) {
	value = strings.Join(strings.Fields(value), " ")
	for _, layout := range naiveLayouts {
		if t, err := time.ParseInLocation(layout, value, time.Local); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized date %q", value)
}

func readHeader(block []byte) (mail.Header, error) {
	var h mail.Header
	if len(bytes.TrimSpace(block)) == 0 {
		return h, errors.New("empty header block")
	}

	buf := block
	if !bytes.HasSuffix(buf, []byte("\n\n")) && !bytes.HasSuffix(buf, []byte("\r\n\r\n")) {
		buf = append(append([]byte{}, block...), "\r\n\r\n"...)
	}

	th, err := textproto.ReadHeader(bufio.NewReader(bytes.NewReader(buf)))
	if err != nil {
		return h, fmt.Errorf("read header: %w", err)
	}
	h.Header.Header = th
	return h, nil
}
