package main

import (
	"log/slog"
	"os"

	"github.com/castboard/spotlight/cmd"
	"github.com/castboard/spotlight/spotlight/logger"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	slog.SetDefault(slog.New(logger.NewHandler("Spotlight")))

	if err := cmd.Execute(version, commit); err != nil {
		slog.Error("Fatal error", slog.Any("error", err))
		os.Exit(1)
	}
}
