// Package codec defines the encoder model contract and owns the process-wide
// model handle. Manager drives the handle through Unloaded, Loading, Ready and
// Failed; callers obtain the model only while it is Ready.
package codec
