package credential

import (
	"errors"
	"log/slog"
)

// Credentials identify the mailbox to back up.
type Credentials struct {
	Host     string
	User     string
	Password string
}

// Resolver fills in missing credentials. Store may be nil.
type Resolver struct {
	Prompter *Prompter
	Store    *Store
	Logger   *slog.Logger
}

// Complete prompts for every empty field. The password is looked up in the
// store first and saved there after it was typed in.
func (r Resolver) Complete(c *Credentials) error {
	var err error
	if c.Host == "" {
		if c.Host, err = r.Prompter.Line("Hostname"); err != nil {
			return err
		}
	}
	if c.User == "" {
		if c.User, err = r.Prompter.Line("Login"); err != nil {
			return err
		}
	}
	if c.Password != "" {
		return nil
	}

	if r.Store != nil {
		password, err := r.Store.Get(c.Host, c.User)
		switch {
		case err == nil:
			c.Password = password
			return nil
		case !errors.Is(err, ErrNotFound):
			r.log().Warn("keyring lookup failed", "err", err)
		}
	}

	if c.Password, err = r.Prompter.Secret("Password"); err != nil {
		return err
	}

	if r.Store != nil {
		if err := r.Store.Set(c.Host, c.User, c.Password); err != nil {
			r.log().Warn("keyring store failed", "err", err)
		}
	}
	return nil
}

func (r Resolver) log() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}
