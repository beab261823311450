package main

import (
	"fmt"
	"os"

	"github.com/fusion-framework/queue/internal/cli"
	"github.com/fusion-framework/queue/internal/config"
	"github.com/fusion-framework/queue/internal/logger"
)

func main() {
	env, err := config.LoadEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(env.LogLevel, env.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	err = cli.NewCommand(cli.WithEnv(env), cli.WithLogger(log)).Execute()
	_ = log.Sync()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
