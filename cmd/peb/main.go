// Authors: Rohan Adla, Arrio Gonsalves, Shreyan Nalwad, Dylan Setiawan
// Date: Dec 12th 2025
// Project: Parametric Empirical Bayes for Hierarchical Model Inversion
// Class: 02-613 at Caregie Mellon University

package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"pebengine/internal/cli"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := cli.RunContext(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}
