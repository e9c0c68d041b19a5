package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/keithlinneman/topupstore/internal/proofcli"
	v "github.com/keithlinneman/topupstore/internal/version"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd := proofcli.NewRootCommand(v.Get().String(), proofcli.Options{})
	err := cmd.ExecuteContext(ctx)
	stop()

	switch {
	case err == nil:
		os.Exit(0)
	case errors.Is(err, proofcli.ErrRejected):
		// results were already printed, 2 lets scripts tell rejection from failure
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	default:
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
