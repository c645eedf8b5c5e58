package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/matheus3301/wpphook/internal/config"
	"github.com/matheus3301/wpphook/internal/daemon"
	"github.com/matheus3301/wpphook/internal/paths"
	"go.uber.org/fx"
)

func main() {
	configFlag := flag.String("config", paths.ConfigPath(), "config file (missing file = defaults)")
	instanceFlag := flag.String("instance", "", "instance name (overrides config and WPPHOOK_INSTANCE)")
	envFlag := flag.String("env", "", ".env file (default: <data dir>/.env)")
	flag.Parse()

	instance := *instanceFlag
	if instance == "" {
		instance = os.Getenv("WPPHOOK_INSTANCE")
	}
	if instance == "" {
		instance = paths.DefaultInstance
	}

	envFile := *envFlag
	if envFile == "" {
		envFile = paths.Resolve(os.Getenv("WPPHOOK_DATA_DIR"), instance).EnvPath()
	}

	cfg, err := config.Resolve(*configFlag, envFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	if *instanceFlag != "" {
		cfg.Instance = *instanceFlag
	}
	if err := paths.ValidateInstance(cfg.Instance); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	app := fx.New(
		daemon.Module(daemon.Params{Config: cfg}),
	)

	app.Run()
}
