package compiler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/chaz8081/bsdeploy/internal/ble/protocol"
)

// LayoutEnv is the environment variable carrying the JSON memory layout to
// the compiler process.
const LayoutEnv = "BSDEPLOY_MEMORY_LAYOUT"

// Command runs an external compiler for every Compile call. The source is
// written to the process's stdin; the executable is read from stdout as
// JSON (segment data base64-encoded). A non-zero exit turns stderr lines
// into a CompileError.
type Command struct {
	Path string
	Args []string
	Dir  string
}

// Compile-time check that Command implements Compiler.
var _ Compiler = (*Command)(nil)

// NewCommand creates a Command from an argv-style slice.
func NewCommand(argv []string, dir string) (*Command, error) {
	if len(argv) == 0 || argv[0] == "" {
		return nil, errors.New("compiler: command must not be empty")
	}
	return &Command{Path: argv[0], Args: argv[1:], Dir: dir}, nil
}

func (c *Command) Compile(ctx context.Context, layout protocol.MemoryLayout, source string) (*Executable, error) {
	layoutJSON, err := json.Marshal(layout)
	if err != nil {
		return nil, fmt.Errorf("compiler: encode layout: %w", err)
	}

	cmd := exec.CommandContext(ctx, c.Path, c.Args...)
	cmd.Dir = c.Dir
	cmd.Env = append(os.Environ(), LayoutEnv+"="+string(layoutJSON))
	cmd.Stdin = strings.NewReader(source)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	// Grandchildren can hold the output pipes open after a cancel kill.
	cmd.WaitDelay = time.Second

	slog.Debug("[COMPILER] running", "path", c.Path, "args", c.Args, "source_bytes", len(source))

	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("compiler: run %s: %w", c.Path, ctxErr)
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return nil, &CompileError{Messages: diagnostics(stderr.String(), exitErr)}
		}
		return nil, fmt.Errorf("compiler: run %s: %w", c.Path, err)
	}

	exe, err := DecodeExecutable(stdout.Bytes())
	if err != nil {
		return nil, err
	}
	if err := exe.Validate(layout); err != nil {
		return nil, err
	}
	return exe, nil
}

// ErrNoMainEntryPoint is returned for an executable without exactly one
// main entry point; the device signals completion only for main.
var ErrNoMainEntryPoint = errors.New("compiler: executable must have exactly one main entry point")

// DecodeExecutable parses the JSON form of an Executable.
func DecodeExecutable(data []byte) (*Executable, error) {
	var exe Executable
	if err := json.Unmarshal(data, &exe); err != nil {
		return nil, fmt.Errorf("compiler: decode executable: %w", err)
	}
	mains := 0
	for _, ep := range exe.EntryPoints {
		if ep.IsMain {
			mains++
		}
	}
	if mains != 1 {
		return nil, fmt.Errorf("%w (got %d)", ErrNoMainEntryPoint, mains)
	}
	return &exe, nil
}

func diagnostics(stderr string, exitErr *exec.ExitError) []string {
	var msgs []string
	for _, line := range strings.Split(stderr, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			msgs = append(msgs, line)
		}
	}
	if len(msgs) == 0 {
		msgs = append(msgs, fmt.Sprintf("compiler exited with status %d", exitErr.ExitCode()))
	}
	return msgs
}
