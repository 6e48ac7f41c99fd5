package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"runtime/pprof"
	"strconv"
	"syscall"
	"time"

	"github.com/ehrlich-b/idadbg"
	"github.com/ehrlich-b/idadbg/internal/hostsim"
	"github.com/ehrlich-b/idadbg/internal/instrument"
	"github.com/ehrlich-b/idadbg/internal/logging"
)

func main() {
	var (
		port    = flag.Int("p", idadbg.DefaultPort, "TCP port to listen on")
		waitSec = flag.Int("T", 0, "seconds to wait for a client connection; 0 = forever")
		verb    = flag.Int("idadbg", 0, "verbosity 0-4, may also be set via IDAPIN_DEBUG")
	)
	flag.Parse()

	verbosity := *verb
	if env := os.Getenv("IDAPIN_DEBUG"); env != "" {
		if v, err := strconv.Atoi(env); err == nil {
			verbosity = v
		}
	}

	logConfig := logging.DefaultConfig()
	logConfig.Level = logging.LevelFromVerbosity(verbosity)
	logger := logging.NewLogger(logConfig)
	logging.SetDefault(logger)

	logger.Info("idadbg: starting", "port", *port, "verbosity", verbosity)
	if verbosity >= 3 {
		instrument.DumpFrameSizes()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// A real build wires a cgo binding to the instrumentation
	// framework here; hostsim stands in so this binary runs
	// end-to-end against a scripted target for smoke testing.
	sim := hostsim.New(1024)

	opts := idadbg.Options{
		Port:          *port,
		AcceptTimeout: time.Duration(*waitSec) * time.Second,
	}

	stackDumpCh := make(chan os.Signal, 1)
	signal.Notify(stackDumpCh, syscall.SIGUSR1)
	go func() {
		for range stackDumpCh {
			buf := make([]byte, 1<<20)
			n := runtime.Stack(buf, true)
			fmt.Fprintf(os.Stderr, "=== GOROUTINE STACK DUMP ===\n%s\n", buf[:n])
			pprof.Lookup("goroutine").WriteTo(os.Stderr, 2)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("idadbg: received shutdown signal")
		cancel()
	}()

	if err := idadbg.ListenAndServe(ctx, sim, opts); err != nil {
		logger.Error("idadbg: agent exited with error", "err", err)
		os.Exit(1)
	}

	logger.Info("idadbg: agent exited cleanly")
}
