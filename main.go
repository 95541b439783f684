// tether - netcat whose socket calls can run through a remote agent.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"tether/cmd"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := cmd.Execute(ctx, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "tether: %v\n", err)
		os.Exit(1)
	}
}
