// Package client is the typed HTTP client for the control plane, used by
// the CLI subcommands and suitable for external tooling. Read endpoints
// need no credentials; mutating calls carry the admin key.
package client
