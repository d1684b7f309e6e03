// Package main resolves one experiment identifier and prints the decision.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	resolvecmd "github.com/louisbranch/probat/internal/cmd/resolve"
	"github.com/louisbranch/probat/internal/platform/config"
)

func main() {
	cfg, err := resolvecmd.ParseConfig(flag.CommandLine, os.Args[1:])
	if err != nil {
		config.ExitCodef(2, "parse flags: %v", err)
	}
	log.SetPrefix("[RESOLVE] ")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := resolvecmd.Run(ctx, cfg, os.Stdout); err != nil {
		log.Fatalf("resolve: %v", err)
	}
}
