// Package server implements the HTTP API: audio upload for encoding, job
// tracking with retransmission of failed sends, and monitoring endpoints.
package server
