/*
Package protolog records every inbound HTTP exchange with a classification tag.

One entry is synthesized per completed request: timestamp, source address,
method, path, symbolic message type derived from (method, path), status code,
latency, drone/package hints parsed from the body, and size-capped body
captures. Entries are queued to a single background writer; a full queue drops
the entry rather than slowing the request path.

The HTTP middleware in pkg/api calls Classify, ExtractHints, and
Recorder.Record; queries over persisted entries live in pkg/store.
*/
package protolog
