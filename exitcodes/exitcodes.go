// Package exitcodes defines the standard exit codes used by dispatch.
//
// * Success (0): the run-once run completed with every test passing
// * RunFailure (1): the run-once run closed failed or had failing tests
// * RuntimeErr (2): configuration errors, spawn failures, panics
package exitcodes

const (
	Success    = 0
	RunFailure = 1
	RuntimeErr = 2
)
