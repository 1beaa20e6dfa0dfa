// Package console is the terminal side of a session: line input for the
// REPL and styled output for device logs and reports.
package console

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/ergochat/readline"
	"golang.org/x/term"
)

const (
	// DefaultPrompt is shown before each REPL line.
	DefaultPrompt = "> "

	historyFileName = "history"
	historySize     = 500
)

// LineEditor reads REPL input. On a terminal it uses readline with
// persistent history; otherwise it reads plain lines and echoes the
// prompt to out.
type LineEditor struct {
	prompt string

	rl *readline.Instance

	scanner *bufio.Scanner
	out     io.Writer
}

// NewLineEditor reads from stdin. History is kept in historyDir when it
// is not empty.
func NewLineEditor(prompt, historyDir string) *LineEditor {
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return newPlainEditor(os.Stdin, os.Stdout, prompt)
	}

	cfg := &readline.Config{
		Prompt:                 prompt,
		HistoryLimit:           historySize,
		DisableAutoSaveHistory: true,
	}
	if historyDir != "" {
		if err := os.MkdirAll(historyDir, 0755); err == nil {
			cfg.HistoryFile = filepath.Join(historyDir, historyFileName)
		}
	}
	rl, err := readline.NewFromConfig(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: line editing unavailable (%v), using basic input\n", err)
		return newPlainEditor(os.Stdin, os.Stdout, prompt)
	}
	return &LineEditor{prompt: prompt, rl: rl}
}

func newPlainEditor(in io.Reader, out io.Writer, prompt string) *LineEditor {
	return &LineEditor{prompt: prompt, scanner: bufio.NewScanner(in), out: out}
}

// Interactive reports whether line editing is active.
func (le *LineEditor) Interactive() bool {
	return le.rl != nil
}

// ReadLine returns the next line without its newline. Ctrl-C and Ctrl-D
// both end input with io.EOF.
func (le *LineEditor) ReadLine() (string, error) {
	if le.rl == nil {
		return le.readPlain()
	}

	line, err := le.rl.Readline()
	if errors.Is(err, readline.ErrInterrupt) {
		return "", io.EOF
	}
	if err != nil {
		return "", err
	}
	if trimmed := strings.TrimSpace(line); trimmed != "" {
		le.rl.SaveToHistory(trimmed)
	}
	return line, nil
}

func (le *LineEditor) readPlain() (string, error) {
	if le.out != nil {
		fmt.Fprint(le.out, le.prompt)
	}
	if !le.scanner.Scan() {
		if err := le.scanner.Err(); err != nil {
			return "", err
		}
		return "", io.EOF
	}
	return le.scanner.Text(), nil
}

// Close restores the terminal.
func (le *LineEditor) Close() error {
	if le.rl != nil {
		return le.rl.Close()
	}
	return nil
}
