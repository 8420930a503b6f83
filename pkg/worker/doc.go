// Package worker executes one persisted batch.
//
// A worker owns its batch file through an exclusive flock for its whole
// lifetime. Steps run in document order; every state change is written back
// before the next action, so a relaunched worker resumes at the first step
// that is not yet terminal. The first failing step stops the batch and the
// steps behind it are marked removed.
//
// The reboot step is special: it is executed in-process, and once the
// machine is going down the step is recorded as done and the worker blocks
// until it is killed. That persisted state is the completion signal.
package worker
