/*
Package types defines the core data structures used throughout Foundry.

This package contains the domain model of the control plane: drones (remote
build workers), queue items (package atoms with lease semantics), sessions
(named work batches), health records (failure counters, grounding, escalation
state), events, protocol entries, payload versions and deployments, releases,
and admin-owned drone configuration.

# Core Types

Fleet:
  - Drone: a registered worker with capabilities, metrics, and liveness
  - DroneKind: container, vm, bare-metal, unknown (reboot safety gate)
  - DroneConfig: admin-owned SSH and policy settings, keyed by name

Work:
  - QueueItem: one package atom; needed → delegated → received/blocked/failed
  - Session: a named batch with completion totals
  - BuildRecord: append-only history of completed attempts
  - AssignResult / CompletionResult: explicit sum-typed scheduler outcomes

Health:
  - HealthRecord: failure counters, grounded-until, escalation level 0-4
  - ProbeResult / ProbeStatus: outcome of an out-of-band SSH probe

Artifacts:
  - PayloadVersion: content-addressed artifact, unique on (kind, version)
  - DronePayload / DeployRecord: per-drone deployment state and attempt log
  - Release: staging → active → archived → deleted; at most one active

# State Machine

Queue items follow:

	needed → delegated → received
	           ↓ reclaim/return
	         needed
	           ↓ failures (cap, or ≥2 distinct drones)
	         blocked

Transitions out of delegated require the completion report to come from the
current assignee; anything else is a stale completion and is discarded.

# Thread Safety

Types here are plain data. The store serializes writers; in-memory caches
(event ring, escalation map) are owned by their components.
*/
package types
