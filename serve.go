package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/sateffen/tcpdebug/config"
	"github.com/sateffen/tcpdebug/control"
	"github.com/sateffen/tcpdebug/operator"
	"github.com/sateffen/tcpdebug/server"
)

const controlExitTimeout = 2 * time.Second

type serveFlags struct {
	configFilePath string
	port           int
	controlAddr    string
	noControl      bool
}

func newServeCommand() *cobra.Command {
	flags := serveFlags{}

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the debug server until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			conf, configFilePath, err := loadServeConfig(flags.configFilePath)
			if err != nil {
				return err
			}

			overrides := func(conf *config.Config) { applyFlags(cmd, flags, conf) }
			overrides(conf)

			return runServe(conf, configFilePath, overrides)
		},
	}

	serveCmd.Flags().StringVarP(&flags.configFilePath, "config", "c", "", "path to a toml config file")
	serveCmd.Flags().IntVarP(&flags.port, "port", "p", config.DefaultPort, "port to accept clients on")
	serveCmd.Flags().StringVar(&flags.controlAddr, "control-addr", config.DefaultControlListenAddr, "address of the control api")
	serveCmd.Flags().BoolVar(&flags.noControl, "no-control", false, "don't start the control api")

	return serveCmd
}

// loadServeConfig loads the given config file, or returns the defaults when there is none.
// The returned path is absolute.
func loadServeConfig(configFilePath string) (*config.Config, string, error) {
	if configFilePath == "" {
		return config.Default(), "", nil
	}

	absPath, err := filepath.Abs(configFilePath)
	if err != nil {
		return nil, "", fmt.Errorf("could not normalize config file path: %w", err)
	}

	slog.Info("Loading config", slog.String("configFilePath", absPath))

	conf, err := config.LoadConfig(absPath)
	if err != nil {
		return nil, "", fmt.Errorf("could not load config: %w", err)
	}

	return conf, absPath, nil
}

// applyFlags lets explicitly set flags win over the config file.
func applyFlags(cmd *cobra.Command, flags serveFlags, conf *config.Config) {
	if cmd.Flags().Changed("port") {
		conf.Server.Port = flags.port
	}
	if cmd.Flags().Changed("control-addr") {
		conf.Control.ListenAddr = flags.controlAddr
	}
	if flags.noControl {
		conf.Control.Enabled = false
	}
}

func serverOptions(conf config.ServerConfig) server.Options {
	return server.Options{
		ReadAttempts:         conf.Polling.ReadAttempts,
		ReadAttemptTimeout:   conf.Polling.ReadAttemptTimeout,
		ReadRetryInterval:    conf.Polling.ReadRetryInterval,
		ReadIdleInterval:     conf.Polling.ReadIdleInterval,
		AcceptAttempts:       conf.Polling.AcceptAttempts,
		AcceptAttemptTimeout: conf.Polling.AcceptAttemptTimeout,
		AcceptRetryInterval:  conf.Polling.AcceptRetryInterval,
		AcceptIdleInterval:   conf.Polling.AcceptIdleInterval,
		JoinTimeout:          conf.Shutdown.JoinTimeout,
		DrainDelay:           conf.Shutdown.DrainDelay,
	}
}

func applyLogLevel(level string) {
	if level == "" {
		return
	}

	// already validated while loading
	parsed, err := config.ParseLogLevel(level)
	if err != nil {
		return
	}

	logLevel.Set(parsed)
}

// applyReload applies the settings that can change while running and reports the rest.
func applyReload(op *operator.Operator, running *config.Config, reloaded *config.Config) {
	applyLogLevel(reloaded.Log.Level)
	op.SetEcho(reloaded.Operator.Echo, reloaded.Operator.EchoPrefix)

	slog.Info(
		"applied reloaded config",
		slog.Bool("echo", reloaded.Operator.Echo),
		slog.String("echoPrefix", reloaded.Operator.EchoPrefix),
	)

	if reloaded.Server != running.Server || reloaded.Control != running.Control ||
		reloaded.Operator.JournalSize != running.Operator.JournalSize {
		slog.Warn("some of the reloaded settings only apply after a restart")
	}
}

func runServe(conf *config.Config, configFilePath string, overrides func(*config.Config)) error {
	applyLogLevel(conf.Log.Level)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	op := operator.New(
		operator.NewJournal(conf.Operator.JournalSize),
		conf.Operator.Echo,
		conf.Operator.EchoPrefix,
	)
	srv := server.NewServer(op, serverOptions(conf.Server))

	if conf.Server.AutoStart {
		port := config.NormalizePort(conf.Server.Port)

		if err := srv.Start(port); err != nil {
			op.Warn(fmt.Sprintf("Failed to start server on port %d", port))

			// without control api there is no way to retry
			if !conf.Control.Enabled {
				return fmt.Errorf("could not start server: %w", err)
			}

			slog.Error("could not start server", slog.Any("error", err))
		} else {
			op.Info(fmt.Sprintf("Server started on port %d", port))
		}
	}

	// stays nil without control api, a nil channel never delivers
	var controlDone chan error
	if conf.Control.Enabled {
		controlServer, err := control.New(control.Config{
			ListenAddr: conf.Control.ListenAddr,
			SendRate:   conf.Control.SendRate,
			SendBurst:  conf.Control.SendBurst,
			Controller: srv,
			EventLog:   op,
		})
		if err != nil {
			stopServer(srv, op)
			return fmt.Errorf("could not create control api: %w", err)
		}

		controlDone = make(chan error, 1)
		go func() {
			controlDone <- controlServer.Start(ctx)
		}()
	}

	if configFilePath != "" {
		err := config.Watch(ctx, configFilePath, func(reloaded *config.Config) {
			overrides(reloaded)
			applyReload(op, conf, reloaded)
		})
		if err != nil {
			slog.Warn("config hot reload is disabled", slog.Any("error", err))
		}
	}

	slog.Info("started successfully")

	var controlErr error
	controlExited := false

	select {
	case <-ctx.Done():
		slog.Info("received exit signal, stopping...")
	case controlErr = <-controlDone:
		controlExited = true
		slog.Error("control api failed, stopping...", slog.Any("error", controlErr))
	}

	stop()
	stopServer(srv, op)

	if controlDone != nil && !controlExited {
		select {
		case controlErr = <-controlDone:
		case <-time.After(controlExitTimeout):
			slog.Warn("control api did not exit in time")
		}
	}

	return controlErr
}

func stopServer(srv *server.Server, op *operator.Operator) {
	if !srv.IsRunning() {
		return
	}

	op.Info("Stopping server...")

	if err := srv.Stop(); err != nil {
		slog.Warn("could not stop server", slog.Any("error", err))
		return
	}

	op.Info("Server stopped")
}
