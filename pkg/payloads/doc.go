/*
Package payloads manages the drone-side artifacts the control plane pushes
out: the drone binary, its init script, and configuration files.

Versions are content-addressed: registration hashes the bytes (SHA-256),
stores small payloads inline in the database and large ones as blobs on
disk, and rejects a (kind, version) pair that already exists with different
content. Deploying uploads over SCP to a staged path, re-hashes the remote
file, and swaps it into place only on a match, so a truncated transfer can
never replace a working binary. Locked drones refuse deploys entirely.

A rolling deploy walks the fleet sequentially with an optional per-drone
check; the first failure stops the roll-out and reverts only the failed
drone. Every attempt, deploy or rollback, lands in the append-only deploy
log.
*/
package payloads
