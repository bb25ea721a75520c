/*
Package log owns the process-wide zerolog root logger and the scoped
child loggers every subsystem derives from it.

# Usage

Rebuild the root logger once at process start (cmd/enclaved):

	log.Init(log.Config{
		Level:      "info",
		JSONOutput: true,
	})

Subsystems derive a scoped child once and keep it for their lifetime:

	schedLog := log.WithComponent("scheduler")
	schedLog.Info().Msg("ingest tick")

	execLog := log.WithExecutorID(executorID)
	execLog.Warn().Msg("heartbeat timeout")

One-off structured events go through the root logger directly:

	log.Logger.Info().
		Str("task_id", taskID).
		Str("status", string(types.TaskStaged)).
		Msg("task dispatched")

The scoping fields (component, node_id, task_id, executor_id, user_id)
are the trace dimensions of this system: a task's whole history is the
set of lines sharing its task_id, across scheduler, executor, and API
components.

# Security

Never log secrets or sensitive data: password hashes, session tokens,
FileCrypto keys/IVs, and function payloads must never appear in a log
line. Use structured fields (.Str, .Int) rather than string
concatenation so user-controlled values cannot inject into the log
stream.
*/
package log
