/*
Package scheduler assigns build work to drones and keeps the queue healthy.

# Assignment

Drones pull: a work request is rejected outright when the drone is unknown,
paused, flagged offline, grounded, upload-impaired, or the whole queue is
paused. Otherwise the scheduler picks from `needed` items, skipping packages
this drone has already failed inside the failure window, preferring packages
some other drone attempted and lost, FIFO among equals. The chosen row is
transitioned to `delegated` atomically, so two drones racing for the same
package cannot both win.

Each drone holds at most a small number of delegated items: the target is
derived from its reported core count (cores per slot, minimum one) and capped
by the configured prefetch maximum.

Sweeper drones, identified by a configurable name prefix, are offered
globally blocked packages instead of the normal queue; a sweeper success
unblocks a package the fleet had given up on.

# Completion

Completion reports are validated inside the store transaction: a report from
a drone that is not the current assignee, or for an item already terminal, is
discarded as stale with an event, never recorded as a failure. Successes are
additionally accepted as free work when the item was reclaimed back to
`needed` in the meantime. Failures count per drone and per package; a package
failed by two distinct drones inside the window is blocked. A returned item
goes back to `needed` with nothing recorded, and `upload_failed` does the
same while striking the drone's separate upload circuit. Every accepted
completion recomputes the owning session's totals and closes the session once
all members are terminal.

# Background loops

Four tickers: reclaim (flag heartbeat-stale drones offline and pull back
their work; expire leases only on drones silent past the lease window),
rebalance (idle drones steal queued items from donors holding more than one,
never the item being built), metrics (periodic queue/fleet snapshot into the
metrics log), and retention pruning for the protocol log, event history, and
metrics samples.
*/
package scheduler
