/*
Package events provides the in-process event bus for the Foundry control plane.

The bus has three consumers with different needs, served without blocking the
publisher:

  - Subscribers: buffered channels with optional kind filters; a full
    subscriber buffer drops that delivery rather than stalling the bus.
  - Dashboard tail: a bounded in-memory ring of the most recent 2000 events,
    read via Recent(sinceID, limit, kind) for cheap incremental polling.
  - Durable history: a background write-behind worker batches events into the
    store; on back-pressure the oldest pending event is dropped, never the
    request path.

# Usage

	bus := events.NewBus(st)
	bus.Start()
	defer bus.Stop()

	bus.Emit(types.EventWorkAssigned, "assigned dev-libs/openssl", "d1", "dev-libs/openssl")

	sub := bus.Subscribe(types.EventWorkBlocked, types.EventAdminAlert)
	defer bus.Unsubscribe(sub)
	for ev := range sub {
		// react to blocked packages and admin alerts
	}

Stop drains the persist queue before returning, so shutdown does not lose
queued events. Publish order equals ring order equals persistence order for a
single publisher; across publishers the lock in Publish decides.
*/
package events
