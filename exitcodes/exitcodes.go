// Package exitcodes defines the standard exit codes of the dispatcher.
package exitcodes

// * Success (0): controller finished with zero failed or errored results
// * TestFailure (1): one or more tests failed, errored, or the worker
//   crashed on an unhandled error
// * RuntimeErr (2): configuration or startup failures such as an
//   unreachable coordination store
const (
	Success     = 0
	TestFailure = 1
	RuntimeErr  = 2
)
