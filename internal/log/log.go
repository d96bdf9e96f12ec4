// Package log provides the CLI status lines ([+], [✓], [=], [!]) and the
// structured logger that compilation steps pull from their context.
// Status lines are colorized when the stream is a TTY.
package log

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/chainguard-dev/clog"
	charmlog "github.com/charmbracelet/log"
	"golang.org/x/term"
)

// ANSI escape codes.
const (
	reset  = "\033[0m"
	bold   = "\033[1m"
	cyan   = "\033[36m"
	green  = "\033[32m"
	yellow = "\033[33m"
	red    = "\033[31m"
)

var (
	stdout io.Writer = os.Stdout
	stderr io.Writer = os.Stderr
)

// SetOutput redirects status lines; tests use it to capture output.
func SetOutput(out, errOut io.Writer) {
	stdout, stderr = out, errOut
}

// colorize wraps msg in an ANSI color sequence only when w is a TTY.
func colorize(w io.Writer, color, msg string) string {
	if f, ok := w.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		return color + bold + msg + reset
	}
	return msg
}

func Info(msg string)  { fmt.Fprintf(stdout, "%s %s\n", colorize(stdout, cyan, "[+]"), msg) }
func Ok(msg string)    { fmt.Fprintf(stdout, "%s %s\n", colorize(stdout, green, "[✓]"), msg) }
func Skip(msg string)  { fmt.Fprintf(stdout, "%s %s\n", colorize(stdout, yellow, "[=]"), msg) }
func Error(msg string) { fmt.Fprintf(stderr, "%s %s\n", colorize(stderr, red, "[!]"), msg) }

// NewContext returns ctx carrying a clog logger that writes to w at the
// given level ("debug", "info", "warn", "error").
func NewContext(ctx context.Context, w io.Writer, level string) (context.Context, error) {
	lvl, err := charmlog.ParseLevel(level)
	if err != nil {
		return ctx, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	handler := charmlog.NewWithOptions(w, charmlog.Options{
		Level:  lvl,
		Prefix: "infragraph",
	})
	logger := clog.New(handler)
	slog.SetDefault(&logger.Logger)
	return clog.WithLogger(ctx, logger), nil
}
