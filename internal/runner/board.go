// Package runner orchestrates a deploy session: connect to the board,
// read its memory layout, compile, execute, and optionally keep serving
// increments from a terminal or the editor relay.
package runner

import (
	"fmt"
	"sort"
	"strings"

	"github.com/chaz8081/bsdeploy/internal/compiler"
	"github.com/chaz8081/bsdeploy/internal/config"
)

// Board is the per-board strategy selected by the config's board tag.
type Board interface {
	Name() string
	// Compiler returns the compiler for programs targeting this board.
	Compiler(cfg *config.Config) (compiler.Compiler, error)
}

var boards = map[string]func() Board{
	"esp32": func() Board { return esp32{} },
}

// NewBoard returns the strategy for tag.
func NewBoard(tag string) (Board, error) {
	newBoard, ok := boards[tag]
	if !ok {
		return nil, fmt.Errorf("runner: unsupported board %q (supported: %s)", tag, strings.Join(Boards(), ", "))
	}
	return newBoard(), nil
}

// Boards lists the supported board tags.
func Boards() []string {
	tags := make([]string, 0, len(boards))
	for tag := range boards {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags
}

type esp32 struct{}

func (esp32) Name() string { return "esp32" }

func (esp32) Compiler(cfg *config.Config) (compiler.Compiler, error) {
	if len(cfg.Compiler.Command) == 0 {
		return nil, fmt.Errorf("runner: esp32: compiler.command is not configured")
	}
	return compiler.NewCommand(cfg.Compiler.Command, cfg.Project.Root)
}
