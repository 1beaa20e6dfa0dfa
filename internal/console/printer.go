package console

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"
)

// Printer writes session output. Device logs are printed as-is, errors in
// red and status lines dimmed. Colour is dropped when w is not a terminal.
// It is safe for concurrent use: device output arrives on the BLE
// notification goroutine.
type Printer struct {
	mu sync.Mutex
	w  io.Writer

	infoStyle lipgloss.Style
	logStyle  lipgloss.Style
	errStyle  lipgloss.Style
}

// NewPrinter creates a Printer writing to w.
func NewPrinter(w io.Writer) *Printer {
	r := lipgloss.NewRenderer(w)
	return &Printer{
		w:         w,
		infoStyle: r.NewStyle().Foreground(lipgloss.Color("241")),
		logStyle:  r.NewStyle(),
		errStyle:  r.NewStyle().Foreground(lipgloss.Color("9")).Bold(true),
	}
}

// Info prints a status line.
func (p *Printer) Info(msg string) {
	p.print(p.infoStyle, msg)
}

// Log prints device output.
func (p *Printer) Log(text string) {
	p.print(p.logStyle, text)
}

// Error prints a device or compiler error.
func (p *Printer) Error(text string) {
	p.print(p.errStyle, text)
}

func (p *Printer) print(style lipgloss.Style, text string) {
	text = strings.TrimRight(text, "\n")
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintln(p.w, style.Render(text))
}
