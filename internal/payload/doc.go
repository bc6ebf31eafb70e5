// Package payload defines the envelope wire schema sent to the reconstruction service.
// It assembles per-frame code records into an envelope, enforces the envelope's
// structural invariants, and implements the trim-then-concatenate contract a
// decoder must follow to restore the original sample count.
package payload
