package commands

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"golang.org/x/term"

	"github.com/dohr-michael/mal/internal/config"
)

func setupLogging(cfg config.LogConfig, debug bool) {
	slog.SetDefault(newLogger(os.Stderr, cfg, debug, term.IsTerminal(int(os.Stderr.Fd()))))
}

// newLogger builds the process logger. The "auto" format is text on a
// terminal and JSON otherwise.
func newLogger(w io.Writer, cfg config.LogConfig, debug, tty bool) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	if debug {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}

	format := strings.ToLower(cfg.Format)
	if format == "" || format == "auto" {
		format = "json"
		if tty {
			format = "text"
		}
	}
	if format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
