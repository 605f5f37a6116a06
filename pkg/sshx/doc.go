/*
Package sshx wraps outbound SSH for the control plane: liveness probes,
escalation actions, and payload deployment copies.

Every operation carries an explicit connect timeout and operation timeout and
never holds a store transaction across the wait. The Runner interface lets
consumers substitute a fake fleet in tests; Client is the production
implementation on golang.org/x/crypto/ssh with SCP file copies.
*/
package sshx
