package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

var version = "dev"

// logLevel is shared with the serve command, so a config reload can change it.
var logLevel = new(slog.LevelVar)

func getLogLevel() slog.Level {
	switch strings.ToUpper(os.Getenv("LOG_LEVEL")) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "tcpdebug",
		Short: "TCP debug server",
		Long: `tcpdebug accepts TCP connections, logs every chunk of text it receives
and can echo it back or send operator messages to the connected clients.`,
		SilenceUsage: true,
	}

	rootCmd.AddCommand(newServeCommand())
	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the tcpdebug version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "tcpdebug %s\n", version)
		},
	})

	return rootCmd
}

func main() {
	logLevel.Set(getLogLevel())

	globalLogger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(globalLogger)

	if err := newRootCommand().Execute(); err != nil {
		slog.Error("tcpdebug failed", slog.Any("error", err))
		os.Exit(1)
	}
}
