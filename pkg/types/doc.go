/*
Package types defines the core data structures shared across the
confidential task platform.

This package contains the domain model: users, functions, input/output
files, tasks, their staged wire form, and audit entries. These types are
used by every other package for persistence, RPC, and lifecycle logic.

# Core Types

Identity and access:
  - User: registered identity, role, and session tokens.
  - Role: PlatformAdmin, FunctionOwner, DataOwner, DataProvider.

Functions and files:
  - Function: registered code, immutable after registration save for its
    usage counter.
  - InputFile / OutputFile: caller-owned data, each carrying a crypto
    descriptor and an integrity tag that is set at most once.

Tasks:
  - Task: the central multi-party entity; see pkg/task for its lifecycle.
  - StagedTask: the immutable, executor-ready snapshot of a Task.
  - TaskResult: tri-state outcome (NotReady, Ok, Err).

Audit:
  - AuditEntry: one append-only record.

# Ownership

Every entity is a value-typed record persisted by the storage engine;
in-memory references held elsewhere are advisory caches, never the
source of truth.

# See Also

  - pkg/objectstore for persistence
  - pkg/task for lifecycle enforcement
  - pkg/api for the RPC surface
*/
package types
