package credential

import (
	"errors"
	"fmt"

	"github.com/99designs/keyring"
)

const serviceName = "imap-backup"

var ErrNotFound = errors.New("credential not found")

// Store keeps passwords in the operating system keyring.
type Store struct {
	ring keyring.Keyring
}

// OpenKeyring opens the platform keyring, falling back to an encrypted file
// below dir.
func OpenKeyring(dir string) (*Store, error) {
	ring, err := keyring.Open(keyring.Config{
		ServiceName: serviceName,
		AllowedBackends: []keyring.BackendType{
			keyring.KeychainBackend,
			keyring.SecretServiceBackend,
			keyring.WinCredBackend,
			keyring.PassBackend,
			keyring.FileBackend,
		},
		FileDir:                  dir,
		FilePasswordFunc:         keyring.TerminalPrompt,
		KeychainTrustApplication: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening keyring: %w", err)
	}
	return NewStore(ring), nil
}

func NewStore(ring keyring.Keyring) *Store {
	return &Store{ring: ring}
}

// Key identifies the password of user on host.
func Key(host, user string) string {
	return user + "@" + host
}

func (s *Store) Get(host, user string) (string, error) {
	item, err := s.ring.Get(Key(host, user))
	if errors.Is(err, keyring.ErrKeyNotFound) {
		return "", fmt.Errorf("%w: %s", ErrNotFound, Key(host, user))
	}
	if err != nil {
		return "", fmt.Errorf("getting credential %q: %w", Key(host, user), err)
	}
	return string(item.Data), nil
}

func (s *Store) Set(host, user, password string) error {
	err := s.ring.Set(keyring.Item{
		Key:   Key(host, user),
		Data:  []byte(password),
		Label: "imap-backup " + Key(host, user),
	})
	if err != nil {
		return fmt.Errorf("setting credential %q: %w", Key(host, user), err)
	}
	return nil
}
