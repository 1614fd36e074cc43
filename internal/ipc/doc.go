// Package ipc implements the message channel between an Executor and the
// Task subprocess it supervises.
//
// Overview
// A Message is an optional payload plus an optional control Signal. Two
// Communicators carry Messages:
//
//   - PipeCommunicator uses the subprocess stdout for payloads and stderr for
//     signals. It is the default channel and the one every Task writes text to.
//   - SocketCommunicator uses a Unix domain socket. The Executor listens, each
//     Task side Write dials, sends one Message and closes.
//
// Data flow:
//
//	Task (subprocess)                         Executor (parent)
//	    |                                          |
//	    | Write(Message{"text", ""}) --stdout----->| Read(Handle) -> hooks
//	    |                      (signal) --stderr-->|
//	    | Write(Message{result, TASK_RESULT}) ---->| Read(Handle) (socket accept)
//	    |         dial/send/close on LUTE_SOCKET   |
//
// Payload encoding is CBOR. Each structured pipe frame starts with the
// self-describe tag 55799 (d9 d9 f7) so structured output can be told apart
// from text printed by the subprocess itself. A pipe reader starts in
// structured mode and downgrades to raw text, permanently, the first time a
// payload cannot be decoded or when asked to via UseRawText. Mixed content
// with a single splice between text and a structured frame is recovered;
// further splices are logged and dropped.
//
// A pipe Read drains the signal stream before the payload stream. Since the
// Task writes a signal before its payload, a signal is paired with its own
// payload even when the Task writes between the two drains. Signals pair
// with the most recent payloads of a read.
//
// A socket Read waits at most the accept timeout for a connection and then
// for data. A Message still in transit stays attached to the Communicator
// and is completed by the following Reads.
//
// Invariants:
//   - Read never blocks longer than the configured read timeout, except for
//     the final drain selected by Handle.Final.
//   - Messages of one Communicator are returned in the order written.
//   - Raw mode never reverts to structured mode.
//   - Clear is idempotent; Stage after Clear acquires the channel again.
package ipc
