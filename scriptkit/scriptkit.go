// Package scriptkit is the core of the scriptkit toolkit, providing the
// pieces that ad-hoc automation scripts keep reinventing: running external
// commands with predictable output handling and failure escalation, advisory
// file locking between cooperating scripts, and prefixed multi-channel
// logging.
//
// Mechanism of Operation
//
// Lock Files
//
// Mutual exclusion between scripts relies on advisory locks (flock) taken on
// ordinary files. The lock is purely cooperative: the operating system does
// not stop anyone from reading or writing the file without locking it first,
// so every participant must go through LockManager for the exclusion to mean
// anything.
//
// Acquisition is a probe, never a wait. If another holder has the lock, the
// probe fails immediately with ErrLockHeld and the file is left untouched.
// Callers that want to wait use AcquireWait, which retries the probe whenever
// the lock file's directory changes.
//
// On success, a provenance line naming the requester and the time is appended
// to the file. The line is a human log, not a machine format; its only job is
// to tell an operator who is holding a stale lock.
//
// Failure Escalation
//
// Runner never terminates the process on its own. A failing command produces
// a Result whose Fatal field says whether the resolved policy asked for
// fail-fast behavior; the top-level caller decides whether to honor that by
// calling Logger.Abort. This keeps every path through the package testable
// without spawning or exiting.
package scriptkit
