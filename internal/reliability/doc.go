// Package reliability provides the backoff policies used by the reconnect
// loop.
//
// The default policy is a fixed five second pause with unbounded retries.
// ExponentialBackoff is available for deployments that prefer to back off
// harder from a broker that stays down.
package reliability
