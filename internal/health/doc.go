// Package health holds the liveness and readiness probes of the storefront
// API. Readiness combines the shutdown gate with pings of the order database
// and, when configured, the shared admission store.
package health
