// Package api serves the HTTP JSON interface: dataset creation, listing,
// status, and retry, plus the health, readiness, and Prometheus metrics
// endpoints.
package api
