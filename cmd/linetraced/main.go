package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/your-org/linetrace/internal/app"
	"github.com/your-org/linetrace/internal/version"
)

func main() {
	var opts app.Options
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.StringVar(&opts.ConfigPath, "config", os.Getenv("LINETRACE_CONFIG"), "config file; environment when empty")
	flag.StringVar(&opts.RepoRoot, "repo", "", "repository root; overrides the config")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := app.Serve(ctx, opts); err != nil {
		fmt.Fprintf(os.Stderr, "linetraced failed: %v\n", err)
		stop()
		os.Exit(1)
	}
}
