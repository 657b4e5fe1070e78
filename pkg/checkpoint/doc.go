// Package checkpoint snapshots in-flight tasks on an interval and on errors.
//
// Each task registers a Producer; the scheduler calls it on every tick and
// hands a deep copy of the result to a Sink. Complete removes every
// schedule of a task, and no producer call starts after it returns.
package checkpoint
