// Command dbupdater brings a database schema up to date with the numbered
// change scripts of a delta set.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/platforma-dev/dbupdater/log"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	cmd := newRootCommand(os.Stdout, os.Stderr)

	err := cmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		log.ErrorContext(ctx, "dbupdater finished with error", "error", err)
		os.Exit(1)
	}
}
