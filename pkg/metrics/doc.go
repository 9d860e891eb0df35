/*
Package metrics provides Prometheus metrics collection and exposition for
Occuplan.

All metrics are registered against the default registry at package init and
exposed through Handler for scraping. The Collector refreshes the gauge
families (chunk counts by type and status, dataset counts, cgroup memory
utilization) from the state store on a fixed interval; counters and
histograms are updated inline by the schedulers, the timeout monitor, and
the API server.

The package also carries a small process health registry: components report
their health with UpdateComponent and the HTTP handlers expose liveness,
readiness, and aggregate health for probes. Readiness requires only the
storage, executor, and API components; the background loops affect /health
alone.
*/
package metrics
