// Package credential collects the host, login and password for a backup.
package credential

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"
)

var ErrEmptyInput = errors.New("empty input")

// Prompter asks for values on a terminal. Secrets are read without echo.
type Prompter struct {
	In         io.Reader
	Out        io.Writer
	ReadSecret func() ([]byte, error)

	reader *bufio.Reader
}

// NewPrompter prompts on stderr and reads from stdin.
func NewPrompter() *Prompter {
	return &Prompter{
		In:  os.Stdin,
		Out: os.Stderr,
		ReadSecret: func() ([]byte, error) {
			return term.ReadPassword(int(os.Stdin.Fd()))
		},
	}
}

// Line prompts for a single line of input.
func (p *Prompter) Line(label string) (string, error) {
	if p.reader == nil {
		p.reader = bufio.NewReader(p.In)
	}
	fmt.Fprintf(p.Out, "%s: ", label)

	line, err := p.reader.ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		return "", fmt.Errorf("read %s: %w", strings.ToLower(label), err)
	}
	line = strings.TrimSpace(line)
	if line == "" {
		return "", fmt.Errorf("read %s: %w", strings.ToLower(label), ErrEmptyInput)
	}
	return line, nil
}

// Secret prompts for a value without echoing it.
func (p *Prompter) Secret(label string) (string, error) {
	fmt.Fprintf(p.Out, "%s: ", label)
	b, err := p.ReadSecret()
	fmt.Fprintln(p.Out)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", strings.ToLower(label), err)
	}
	if len(b) == 0 {
		return "", fmt.Errorf("read %s: %w", strings.ToLower(label), ErrEmptyInput)
	}
	return string(b), nil
}
