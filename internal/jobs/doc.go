// Package jobs keeps a bounded, expiring record of encode requests so their
// progress and outcome can be queried after submission.
package jobs
