// Package execution drives executions through their step lifecycle. It
// creates executions for checked batches, runs them on the engine their
// process declares, persists every step the executable reports, detects
// timeouts and announces final results.
package execution
