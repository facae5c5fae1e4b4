package courier

import (
	"context"
)

// Shutdown is canceled when the process is shutting down. Long-running
// deliveries and sleeps should abort when it is done.
var Shutdown context.Context

// ShutdownCancel signals shutdown.
var ShutdownCancel context.CancelFunc

func init() {
	Shutdown, ShutdownCancel = context.WithCancel(context.Background())
}
