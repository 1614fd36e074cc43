// Package executor supervises one Task subprocess per Executor.
//
// Overview
// An Executor spawns `lute _task -c <config> -t <task>` (or the MPI wrapped
// variant), owns the parent side Communicators and polls them until the Task
// finishes. Recognised signals are dispatched to a table of Hooks, message
// contents are logged. When the subprocess is gone the Executor drains every
// Communicator a last time, resolves the final status from the exit code and
// hands a copy of its DescribedAnalysis to the Recorder.
//
// Data flow:
//
//	Executor                      subprocess (task.Main)
//	   |  os.Pipe stdout/stderr  <---- pipe Messages, signals
//	   |  unix socket (LUTE_SOCKET) <-- one connection per structured Message
//	   |
//	   | poll: Read every Communicator -> Hook(signal) / log(contents)
//	   | sleep poll interval
//	   | final drain, Wait, resolve status
//	   v
//	Recorder.Record(DescribedAnalysis)
//
// Invariants:
//   - One Task per Executor; an Executor is executed once.
//   - The poll loop never blocks longer than a Communicator read timeout,
//     apart from the poll interval sleep.
//   - A nonzero exit resolves to FAILED unless the Executor cancelled the
//     Task itself; a zero exit of a Task still RUNNING resolves to COMPLETED.
//   - Communicators are cleared on every path out of Execute.
//   - Only persistence failures are returned from Execute, as *store.Error.
package executor
