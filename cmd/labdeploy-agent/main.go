package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/labdeploy/internal/agent"
	"github.com/3cpo-dev/labdeploy/internal/telemetry"
)

var version = "dev"

func main() {
	addr := flag.String("addr", ":8088", "listen address")
	token := flag.String("token", os.Getenv("LABDEPLOY_AGENT_TOKEN"), "shared token required on every request")
	level := flag.String("log", "info", "log level")
	debugAddr := flag.String("debug-addr", "", "serve pprof and runtime stats on this address")
	flag.Parse()

	zerolog.TimeFieldFormat = time.RFC3339Nano
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	if lvl, err := zerolog.ParseLevel(*level); err == nil {
		zerolog.SetGlobalLevel(lvl)
	}

	srv := &agent.Server{Version: version, Token: *token, Metrics: telemetry.NewMetrics()}
	if srv.Token == "" {
		log.Warn().Msg("no token configured, agent accepts unauthenticated requests")
	}
	tlsCfg := agent.LoadMTLSConfig()
	go func() {
		var err error
		if tlsCfg.Enabled() {
			err = srv.ListenAndServeTLS(*addr, tlsCfg)
		} else {
			log.Info().Str("addr", *addr).Msg("labdeploy-agent listening")
			err = srv.ListenAndServe(*addr)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	}()

	var prof *telemetry.ProfilingServer
	if *debugAddr != "" {
		prof = telemetry.NewProfilingServer(*debugAddr)
		go func() {
			if err := prof.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Msg("profiling server stopped")
			}
		}()
	}

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	<-sigc
	log.Info().Msg("labdeploy-agent shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
	if prof != nil {
		_ = prof.Shutdown(ctx)
	}
}
