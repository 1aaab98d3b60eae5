package congestion

import "errors"

var (
	// ErrAttach is wrapped by errors returned from Load when any of
	// the six producers cannot be attached to its kernel hook. There
	// is no partial-attachment state: the first failure unloads
	// everything attached so far.
	ErrAttach = errors.New("attaching BPF producer")

	// ErrChannelOpen is wrapped by errors returned from
	// StartCollection when the perf buffer backing the per-CPU event
	// lanes cannot be opened. The collector remains Loaded.
	ErrChannelOpen = errors.New("opening event channel")

	// ErrTruncatedRecord indicates a perf record shorter than the
	// fixed wire size. Consumption tasks skip and count such records;
	// they are never fatal.
	ErrTruncatedRecord = errors.New("truncated event record")

	// ErrCollectorState is returned when an operation is invoked in a
	// lifecycle state which does not permit it.
	ErrCollectorState = errors.New("invalid collector state")

	// ErrCollectorActive is returned by Load when another collector
	// already owns this process's instrumentation. Exactly one
	// concurrent collector per process is supported.
	ErrCollectorActive = errors.New("a collector is already active in this process")
)
