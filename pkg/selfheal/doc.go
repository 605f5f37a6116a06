/*
Package selfheal escalates persistently failing drones through a recovery
ladder.

The monitor probes every non-paused drone over SSH on a fixed cadence (zero
disables it entirely) and walks a per-drone ladder when probes keep failing:

	1. restart the worker service        (30 s cooldown)
	2. kill -9 and start the service     (30 s cooldown)
	3. reboot the host                   (120 s cooldown)
	4. emit an admin-alert event

No action fires until a drone has both a minimum streak of consecutive probe
failures and a minimum window since the first failure; a fresh control-plane
heartbeat inside the probe window suppresses escalation even while probes
fail, since the worker is demonstrably alive. Levels rise one rung per
evaluation and a successful probe resets everything.

Rebooting is gated by drone kind: bare-metal and unknown hosts hard-stop at
level 2, container and vm hosts additionally need the auto_reboot capability
and must not be on the protected-host list. Level and attempt counts are
mirrored into the store so operators can inspect them after a restart.
*/
package selfheal
