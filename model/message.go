package model

import "time"

// Folder is a mailbox on the remote server.
type Folder struct {
	Name      string
	Delimiter rune
	Messages  uint32
}

// RawMessage carries the fetched header and body blocks of one message
// together with the sequence number they were fetched for.
type RawMessage struct {
	ID     uint32
	Header []byte
	Body   []byte
}

// Message is a parsed message ready to be filtered and archived.
type Message struct {
	ID      uint32
	Folder  string
	Subject string
	Date    time.Time
	// NaiveDate is set when the Date header carried no zone. Date then holds
	// the wall clock in time.Local.
	NaiveDate bool
	Header    []byte
	Body      []byte
}

// Raw returns the message exactly as it was delivered by the server.
func (m Message) Raw() []byte {
	raw := make([]byte, 0, len(m.Header)+len(m.Body))
	raw = append(raw, m.Header...)
	return append(raw, m.Body...)
}

// Entry is one archived message: a relative path and its content.
type Entry struct {
	Path    string
	Folder  string
	Date    time.Time
	Content []byte
}
