// Package api exposes the two HTTP surfaces of the control plane.
//
// The public listener carries the drone protocol (register, work, complete)
// and read-only fleet views; mutating endpoints on it require the admin key.
// The admin listener additionally serves payload and release management,
// log access, and the Prometheus scrape endpoint, all behind the same key.
//
// Every exchange on either listener is captured into the protocol log with
// bounded request/response bodies, and both listeners share one middleware
// stack: real-IP resolution, panic recovery, request metrics, protocol
// capture, and a per-request timeout.
package api
