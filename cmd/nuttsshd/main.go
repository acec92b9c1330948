// Nuttsshd - the Nuttssh switchboard daemon.
//
// A single always-on SSH endpoint that lets authorized clients publish
// virtual listening ports and connect to each other through them,
// without the server binding any of the advertised ports itself.
//
// The daemon runs in the foreground, logs to standard error and needs
// no arguments; every setting has a working default and can be set via
// NUTTSSH_* environment variables, an optional .env file, or flags.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nuttssh/nuttssh/internal/config"
	"github.com/nuttssh/nuttssh/internal/logging"
	"github.com/nuttssh/nuttssh/internal/switchboard"
)

// version is overridden at build time via -ldflags.
var version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error starting server: %v\n", err)
		os.Exit(1)
	}

	root := &cobra.Command{
		Use:           "nuttsshd",
		Short:         "Nuttssh switchboard server",
		Long:          "Nuttssh switchboard: virtual SSH port forwarding between clients.",
		Version:       version,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cfg)
		},
	}

	flags := root.Flags()
	flags.StringVar(&cfg.ListenAddr, "listen", cfg.ListenAddr, "address to listen on")
	flags.StringVar(&cfg.HostKeyFile, "host-key", cfg.HostKeyFile, "path of the host private key")
	flags.StringVar(&cfg.AuthorizedKeysFile, "authorized-keys", cfg.AuthorizedKeysFile, "path of the authorized keys file")
	flags.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level (debug, info, warning, error)")
	flags.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "log format (text, json)")

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error starting server: %v\n", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	if err := logging.Setup(cfg.LogLevel, cfg.LogFormat); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := &switchboard.Server{
		ListenAddr:         cfg.ListenAddr,
		HostKeyFile:        cfg.HostKeyFile,
		AuthorizedKeysFile: cfg.AuthorizedKeysFile,
		Registry:           switchboard.NewRegistry(),
	}
	return srv.ListenAndServe(ctx)
}
