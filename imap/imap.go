// Package imap implements the mailbox session used by the backup runner on
// top of go-imap v2.
package imap

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"strconv"
	"sync"

	imapv2 "github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"github.com/dhcgn/imap-backup/model"
)

var (
	ErrNoFolderSelected = errors.New("no folder selected")
	ErrEmptyHost        = errors.New("imap host is empty")
)

type Options struct {
	Host               string
	Port               int
	Username           string
	Password           string
	UseTLS             bool
	StartTLS           bool
	InsecureSkipVerify bool
}

func (o Options) address() string {
	return net.JoinHostPort(o.Host, strconv.Itoa(o.Port))
}

var (
	headerSection = &imapv2.FetchItemBodySection{Specifier: imapv2.PartSpecifierHeader, Peek: true}
	textSection   = &imapv2.FetchItemBodySection{Specifier: imapv2.PartSpecifierText, Peek: true}
)

// Session is an authenticated connection to one mailbox.
type Session struct {
	client    *imapclient.Client
	logger    *slog.Logger
	selected  string
	stopClose func() bool
	closeOnce sync.Once
}

// Dial connects, authenticates and returns a session. The connection is
// closed when ctx is cancelled.
func Dial(ctx context.Context, opts Options, logger *slog.Logger) (*Session, error) {
	if opts.Host == "" {
		return nil, ErrEmptyHost
	}
	if opts.Port <= 0 {
		return nil, fmt.Errorf("imap port must be positive")
	}

	address := opts.address()
	options := &imapclient.Options{}
	if opts.UseTLS || opts.StartTLS {
		options.TLSConfig = &tls.Config{
			ServerName:         opts.Host,
			InsecureSkipVerify: opts.InsecureSkipVerify,
		}
	}

	var (
		client *imapclient.Client
		err    error
	)
	switch {
	case opts.UseTLS:
		client, err = imapclient.DialTLS(address, options)
	case opts.StartTLS:
		client, err = imapclient.DialStartTLS(address, options)
	default:
		client, err = imapclient.DialInsecure(address, options)
	}
	if err != nil {
		return nil, fmt.Errorf("dial imap %s: %w", address, err)
	}

	s, err := login(ctx, client, opts.Username, opts.Password, logger)
	if err != nil {
		return nil, err
	}
	if logger != nil {
		logger.Debug("imap connection established", "address", address, "user", opts.Username, "tls", opts.UseTLS, "starttls", opts.StartTLS)
	}
	return s, nil
}

// NewSession authenticates over an existing connection.
func NewSession(ctx context.Context, conn net.Conn, username, password string, logger *slog.Logger) (*Session, error) {
	return login(ctx, imapclient.New(conn, &imapclient.Options{}), username, password, logger)
}

func login(ctx context.Context, client *imapclient.Client, username, password string, logger *slog.Logger) (*Session, error) {
	if err := client.Login(username, password).Wait(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("imap login failed: %w", err)
	}

	s := &Session{client: client, logger: logger}
	s.stopClose = context.AfterFunc(ctx, func() {
		_ = client.Close()
	})
	return s, nil
}

// ListFolders returns every selectable folder.
func (s *Session) ListFolders(ctx context.Context) ([]model.Folder, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	mailboxes, err := s.client.List("", "*", nil).Collect()
	if err != nil {
		return nil, fmt.Errorf("list folders: %w", err)
	}

	folders := make([]model.Folder, 0, len(mailboxes))
	for _, mbox := range mailboxes {
		if !selectable(mbox.Attrs) {
			continue
		}
		folders = append(folders, model.Folder{Name: mbox.Mailbox, Delimiter: mbox.Delim})
	}
	return folders, nil
}

func selectable(attrs []imapv2.MailboxAttr) bool {
	for _, attr := range attrs {
		if attr == imapv2.MailboxAttrNoSelect || attr == imapv2.MailboxAttrNonExistent {
			return false
		}
	}
	return true
}

// SelectFolder selects name read-write and returns its message count.
func (s *Session) SelectFolder(ctx context.Context, name string) (uint32, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	data, err := s.client.Select(name, nil).Wait()
	if err != nil {
		s.selected = ""
		return 0, fmt.Errorf("select %s: %w", name, err)
	}
	s.selected = name
	return data.NumMessages, nil
}

// SearchAll returns the sequence numbers of every message in the selected
// folder.
func (s *Session) SearchAll(ctx context.Context) ([]uint32, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}

	data, err := s.client.Search(&imapv2.SearchCriteria{}, nil).Wait()
	if err != nil {
		return nil, fmt.Errorf("search %s: %w", s.selected, err)
	}
	ids := data.AllSeqNums()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// FetchBatch fetches the header and text of the given messages in one round
// trip without setting \Seen. Results are ordered by id.
func (s *Session) FetchBatch(ctx context.Context, ids []uint32) ([]model.RawMessage, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	buffers, err := s.client.Fetch(imapv2.SeqSetNum(ids...), &imapv2.FetchOptions{
		BodySection: []*imapv2.FetchItemBodySection{headerSection, textSection},
	}).Collect()
	if err != nil {
		return nil, fmt.Errorf("fetch %s %v: %w", s.selected, ids, err)
	}

	messages := make([]model.RawMessage, 0, len(buffers))
	for _, buf := range buffers {
		messages = append(messages, model.RawMessage{
			ID:     buf.SeqNum,
			Header: buf.FindBodySection(headerSection),
			Body:   buf.FindBodySection(textSection),
		})
	}
	sort.Slice(messages, func(i, j int) bool { return messages[i].ID < messages[j].ID })
	return messages, nil
}

// FlagDeleted adds \Deleted to one message.
func (s *Session) FlagDeleted(ctx context.Context, id uint32) error {
	if err := s.ready(ctx); err != nil {
		return err
	}

	err := s.client.Store(imapv2.SeqSetNum(id), &imapv2.StoreFlags{
		Op:     imapv2.StoreFlagsAdd,
		Silent: true,
		Flags:  []imapv2.Flag{imapv2.FlagDeleted},
	}, nil).Close()
	if err != nil {
		return fmt.Errorf("flag %s/%d deleted: %w", s.selected, id, err)
	}
	return nil
}

// Expunge removes flagged messages from the selected folder. It is a no-op
// when no folder is selected.
func (s *Session) Expunge(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.selected == "" {
		return nil
	}
	if err := s.client.Expunge().Close(); err != nil {
		return fmt.Errorf("expunge %s: %w", s.selected, err)
	}
	return nil
}

// Close logs out and closes the connection.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		connected := s.stopClose()
		if connected {
			if logoutErr := s.client.Logout().Wait(); logoutErr != nil && s.logger != nil {
				s.logger.Warn("imap logout failed", "err", logoutErr)
			}
		}
		if closeErr := s.client.Close(); closeErr != nil && connected {
			if s.logger != nil {
				s.logger.Debug("imap connection closed", "err", closeErr)
			}
		}
	})
	return nil
}

func (s *Session) ready(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.selected == "" {
		return ErrNoFolderSelected
	}
	return nil
}
