// Package reliability provides the retry primitives shared by the connection
// and channel recovery workers.
//
// Recovery in this module is deliberately patient: a broker outage is retried
// on a fixed delay until it succeeds or the owning component shuts down, and
// every wait is cancellable through a context.
//
// Example usage:
//
//	err := reliability.Retry(ctx, reliability.Forever(30*time.Second), func(attempt int) error {
//	    return reconnect()
//	})
package reliability
