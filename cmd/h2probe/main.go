// Package main is the entrypoint for h2probe.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/nikolay-pshenichny/linkerd/pkg/probe"
)

func main() {
	cfg, err := probe.NewConfig(os.Args[1:], os.Stderr)
	if errors.Cause(err) == pflag.ErrHelp {
		os.Exit(0)
	}

	// create a logger first
	var logger *zap.Logger
	if cfg != nil {
		logger = cfg.Logger()
	}
	if logger == nil {
		// something went wrong, create a new temporary logger
		var zapErr error
		logger, zapErr = zap.NewProduction()
		if zapErr != nil {
			fmt.Printf("error creating zap logger %v", zapErr)
			os.Exit(1)
		}
	}
	logger.Info("running", zap.Strings("args", os.Args))
	if err != nil {
		logger.Error("failed to parse config", zap.Error(err))
		os.Exit(1)
	}

	syncLogger := func() { _ = logger.Sync() }

	// check config
	err = cfg.Adjust()
	if err != nil {
		logger.Error("failed to adjust config", zap.Error(err))
		exit(1, syncLogger)
	}
	err = cfg.Validate()
	if err != nil {
		logger.Error("failed to validate config", zap.Error(err))
		exit(1, syncLogger)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sc := make(chan os.Signal, 1)
	signal.Notify(sc,
		syscall.SIGHUP,
		syscall.SIGINT,
		syscall.SIGTERM,
		syscall.SIGQUIT)
	go func() {
		sig := <-sc
		logger.Info("got signal to exit", zap.String("signal", sig.String()))
		cancel()
	}()

	res, err := probe.NewProbe(cfg, logger).Run(ctx)
	if err != nil {
		logger.Error("probe failed", zap.Error(err))
		exit(1, syncLogger)
	}

	report(res)
	exit(0, syncLogger)
}

// report prints the response the way it crossed the wire: header block,
// body, then any trailers.
func report(res *probe.Result) {
	for _, f := range res.Headers {
		fmt.Printf("%s: %s\n", f.Name, f.Value)
	}
	fmt.Println()
	if len(res.Body) > 0 {
		_, _ = os.Stdout.Write(res.Body)
		if res.Body[len(res.Body)-1] != '\n' {
			fmt.Println()
		}
	}
	for _, f := range res.Trailers {
		fmt.Printf("%s: %s\n", f.Name, f.Value)
	}
}

func exit(code int, deferred func()) {
	deferred()
	os.Exit(code)
}
