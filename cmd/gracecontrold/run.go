package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/aaron031291/grace-controlplane/internal/control/boot"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Boot the control plane and run until signalled",
	Run: func(cmd *cobra.Command, args []string) {
		runServer()
	},
}

// runServer mirrors the teacher's runServer(): load config, boot the
// composition root, wait for SIGINT/SIGTERM, then drain every phase's
// stop function within its grace period. Unlike the teacher's web
// server, there is no HTTP listener here — the control plane lives
// entirely on the in-process event bus; "running" means the Boot
// Orchestrator's background loops (watchdog, scheduler, sweepers) are
// alive.
func runServer() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := boot.LoadConfig()
	if err != nil {
		log.Error().Err(err).Msg("failed to load configuration")
		os.Exit(boot.ExitConfigError)
	}

	log.Info().Msg("booting grace control plane")

	o := boot.New(cfg)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := o.Boot(ctx); err != nil {
		log.Error().Err(err).Msg("boot failed")
		os.Exit(o.ExitCode())
	}

	if degraded, phase := o.Degraded(); degraded {
		log.Warn().Str("phase", phase).Msg("control plane booted in degraded mode")
	} else {
		log.Info().Msg("control plane ready")
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Info().Msg("shutting down control plane")
	o.Stop(30 * time.Second)
	log.Info().Msg("control plane stopped")
}
