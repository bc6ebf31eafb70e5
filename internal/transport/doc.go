// Package transport sends assembled envelopes to the remote reconstruction
// endpoint as a single JSON request and reports failures as *Error.
package transport
