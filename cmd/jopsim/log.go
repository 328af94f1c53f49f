package main

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/ethereum/go-ethereum/log"
)

// Logger creates a logfmt logger at the given level.
func Logger(w io.Writer, lvl slog.Level) log.Logger {
	return log.NewLogger(log.LogfmtHandlerWithLevel(w, lvl))
}

func parseLevel(name string) (slog.Level, error) {
	lvl, err := log.LvlFromString(name)
	if err != nil {
		return 0, fmt.Errorf("invalid log level %q: %w", name, err)
	}
	return lvl, nil
}
