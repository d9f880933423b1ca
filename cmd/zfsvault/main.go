package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-logr/zapr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/runningman84/zfsvault/pkg/config"
	"github.com/runningman84/zfsvault/pkg/ipfs"
	"github.com/runningman84/zfsvault/pkg/operator"
	"github.com/runningman84/zfsvault/pkg/runner"
	"github.com/runningman84/zfsvault/pkg/transfer"
	"github.com/runningman84/zfsvault/pkg/zfs"
	"go.uber.org/zap"
	"k8s.io/klog/v2"
)

// Version can be set at build time using -ldflags
// Example: go build -ldflags="-X main.Version=1.0.0"
var Version = "dev"

func main() {
	// Initialize klog first
	klog.InitFlags(nil)

	mode := flag.String("mode", "direct", "Operation mode: test, direct, or chroot")
	logLevel := flag.String("log-level", "", "Log level: info or debug (default from LOG_LEVEL)")
	logFormat := flag.String("log-format", "text", "Log format: text or json")
	showVersion := flag.Bool("version", false, "Show version and exit")
	flag.Usage = usage
	flag.Parse()

	if *showVersion {
		fmt.Printf("zfsvault version %s\n", Version)
		return
	}

	if flag.NArg() < 1 {
		flag.Usage()
		os.Exit(2)
	}
	name, args := flag.Arg(0), flag.Args()[1:]
	cmd, ok := commands[name]
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", name)
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.NewConfig(*mode)
	if err != nil {
		klog.Fatalf("Invalid configuration: %v", err)
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
		if err := cfg.Validate(); err != nil {
			klog.Fatalf("Invalid configuration: %v", err)
		}
	}

	if *logFormat != "text" && *logFormat != "json" {
		klog.Fatalf("Invalid log format: %s. Must be one of: text, json", *logFormat)
	}
	if *logFormat == "json" {
		var zapLog *zap.Logger
		if cfg.IsDebug() {
			zapLog, err = zap.NewDevelopment()
		} else {
			zapLog, err = zap.NewProduction()
		}
		if err != nil {
			klog.Fatalf("Failed to initialize JSON logger: %v", err)
		}
		defer zapLog.Sync()

		// Set klog to use zap backend for JSON output
		klog.SetLogger(zapr.NewLogger(zapLog))
	}

	// Set klog verbosity based on log level
	if cfg.IsDebug() {
		flag.Set("v", "1")
	}

	klog.V(1).Infof("Starting zfsvault version %s in %s mode with %s log level", Version, cfg.Mode, cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if cfg.TransferTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.TransferTimeout)
		defer cancel()
	}

	registry := prometheus.NewRegistry()
	r := runner.NewExecutor(cfg.IsDebug())
	manager := zfs.NewManager(cfg, r)
	pipeline := transfer.NewPipeline(cfg, manager, r, ipfs.NewLocator(cfg), klog.Background()).
		WithMetrics(transfer.NewMetrics(registry))

	app := &app{
		config:   cfg,
		manager:  manager,
		pipeline: pipeline,
		operator: operator.NewOperator(cfg, manager, pipeline),
		stdin:    os.Stdin,
		stdout:   os.Stdout,
	}
	runErr := app.run(ctx, cmd, args)

	if cfg.MetricsTextfile != "" {
		if err := prometheus.WriteToTextfile(cfg.MetricsTextfile, registry); err != nil {
			klog.Errorf("Failed to write metrics to %s: %v", cfg.MetricsTextfile, err)
		}
	}

	if runErr != nil {
		klog.Errorf("%s failed: %v", name, runErr)
		klog.Flush()
		os.Exit(1)
	}
	klog.Flush()
}

func usage() {
	out := flag.CommandLine.Output()
	fmt.Fprintf(out, "Usage: zfsvault [flags] <command> [args]\n\nCommands:\n")
	for _, name := range commandOrder {
		fmt.Fprintf(out, "  %-13s %s\n", name, commands[name].usage)
	}
	fmt.Fprintf(out, "\nPassphrases are read from the first line of stdin.\n\nFlags:\n")
	flag.PrintDefaults()
}
