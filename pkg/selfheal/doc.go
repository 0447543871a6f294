// Package selfheal re-enqueues convergence for owned groups on a timer,
// catching drift that no policy execution would otherwise correct.
package selfheal
