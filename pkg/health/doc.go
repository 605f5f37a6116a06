/*
Package health tracks per-drone failure accounting and the grounding circuit
breaker.

A failed build increments the drone's failure counter; crossing the configured
ceiling (default 8) trips a per-drone circuit breaker and grounds the drone
for a cooldown (default 5 minutes). Grounded drones receive no new
assignments, and their delegated work is reclaimed; completions they still
report are processed normally. Successful builds reset the streak. Upload
failures run on a separate circuit with their own threshold and retry
interval, so a drone with a broken artifact path stops receiving work it
cannot finish.

The grounding state is mirrored in the store, so a restart does not forget an
active cooldown.

The Prober issues the out-of-band SSH liveness check (worker process, load,
disk, memory, uptime in one command) whose results feed both this monitor and
the self-healing escalation ladder in pkg/selfheal.
*/
package health
