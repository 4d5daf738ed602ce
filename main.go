// deployer - attachable command sessions over unix sockets, SSH and telnet.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"deployer/cmd"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := cmd.Execute(ctx, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "deployer: %v\n", err)
		os.Exit(1)
	}
}
