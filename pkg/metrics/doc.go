/*
Package metrics exposes Prometheus instrumentation and the liveness report.

Gauges (fleet, queue, sessions) are sampled from the store by the Collector
every 15 seconds; counters and histograms (builds, assignments, escalations,
deploys, HTTP requests) are incremented at the call sites. Handler serves
the scrape endpoint on the admin listener. The component health registry
backs the /healthz endpoint: components register at startup and flip their
state on failure.
*/
package metrics
