package bundlestore

import "errors"

// Error kinds per the engine's error-handling design. Transient errors
// never escape the package; the rest surface to the router as negative
// acks or, for restore/disk faults, as fatal startup/operational errors.
var (
	// ErrResourceExhausted is returned by Push when the allocator cannot
	// satisfy a chain request.
	ErrResourceExhausted = errors.New("bundlestore: segment allocator exhausted")

	// ErrDiskIO marks a short read/write on a segment file. Fatal.
	ErrDiskIO = errors.New("bundlestore: disk i/o error")

	// ErrCorruption marks a segment chain inconsistency discovered during
	// a read (bad header, broken link). The bundle is dropped.
	ErrCorruption = errors.New("bundlestore: segment chain corruption")

	// ErrRestoreInconsistency marks a fatal inconsistency discovered by
	// RestoreScanner. The engine must not start.
	ErrRestoreInconsistency = errors.New("bundlestore: restore inconsistency")

	// ErrBundleNotFullyRead is returned by RemoveReadBundleFromDisk when
	// forceRemove is false and the session has not consumed the whole
	// chain yet.
	ErrBundleNotFullyRead = errors.New("bundlestore: bundle not fully read prior to removal")

	// ErrNotRunning is returned by operations that require the engine (or
	// one of its disk workers) to be started.
	ErrNotRunning = errors.New("bundlestore: engine not running")

	// ErrAdmissionCapReached is returned when a release is refused because
	// the destination's outstanding custody set is at capacity.
	ErrAdmissionCapReached = errors.New("bundlestore: custody admission cap reached")
)
