// Command opsctl runs maintenance tasks against the opsdesk store: schema
// migrations, lane renormalization, search reindexing and bulk imports.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		log.WithError(err).Error("opsctl failed")
		os.Exit(1)
	}
}
