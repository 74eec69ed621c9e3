package proxy

import "errors"

// Failure taxonomy. Per-request failures (ErrTimeout, ErrDisconnected,
// ErrChildUnavailable) become JSON-RPC error responses on the client
// connection. ErrSpawn on first start is the only fatal one; everything else
// leaves the client session open.
var (
	// ErrSpawn means the child executable could not be launched at all.
	ErrSpawn = errors.New("failed to spawn child process")

	// ErrRestartLimitExceeded means the restart budget is spent. The child
	// stays stopped until a manual restart succeeds.
	ErrRestartLimitExceeded = errors.New("restart limit exceeded")

	// ErrRestartInProgress rejects a restart requested while one is running.
	// Concurrent restarts are refused, never queued.
	ErrRestartInProgress = errors.New("restart already in progress")

	// ErrChildUnavailable covers the window where no child connection exists,
	// typically mid-restart or after the restart budget ran out.
	ErrChildUnavailable = errors.New("child server unavailable")

	// ErrTimeout means the child did not answer a request within its deadline.
	ErrTimeout = errors.New("request timed out")

	// ErrDisconnected means the connection was torn down before a response
	// arrived. In-flight requests orphaned by a restart fail with this.
	ErrDisconnected = errors.New("connection closed")
)
