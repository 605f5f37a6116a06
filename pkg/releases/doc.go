/*
Package releases snapshots built binary packages into immutable, versioned
releases and controls what the binhost serves.

A release is created from the staging tree (hardlinked when possible), gets
a date-based version, and moves through staging, active, archived, deleted.
At most one release is active; promoting another archives the current one in
the same store transaction, then repoints the binhost's current symlink. The
store is authoritative: a symlink failure after the commit is surfaced and
emits a divergence event rather than rolling back. Deleting removes the
filesystem tree but keeps the row.
*/
package releases
