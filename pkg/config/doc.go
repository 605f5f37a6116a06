/*
Package config resolves control-plane tunables from the environment and an
optional config file, with sensible defaults for every knob.

Resolution order: explicit config file, then FOUNDRY_* environment variables,
then defaults. Paths default to system locations when running as root and XDG
locations otherwise. The admin key is generated once and persisted under the
state directory if not supplied.

The optional drones.yaml seed file under the state directory pre-populates
admin-owned drone configuration (SSH settings, policy flags) at startup.
*/
package config
