package seshat

import "errors"

// Error kinds surfaced by the public API. Wrapped causes are attached with
// fmt.Errorf("%w: ...") and matched with errors.Is.
var (
	// ErrIndexVersionMismatch is returned by Open when the stored index
	// format version differs from the compiled one. The database is intact;
	// run Recovery against the same path, then reopen.
	ErrIndexVersionMismatch = errors.New("seshat: index format version mismatch, recovery required")
	// ErrStoreFailure covers event store I/O, corruption, and wrong
	// passphrase.
	ErrStoreFailure = errors.New("seshat: event store failure")
	// ErrIndexFailure covers index I/O, corruption, and invalid cursors.
	ErrIndexFailure = errors.New("seshat: index failure")
	// ErrInvalidEvent is returned when an event misses required fields.
	ErrInvalidEvent = errors.New("seshat: invalid event")
	// ErrInvalidConfig is returned for a bad language or an empty
	// passphrase when encryption is requested.
	ErrInvalidConfig = errors.New("seshat: invalid configuration")
	// ErrShutdown is returned for operations on a closing or closed
	// database.
	ErrShutdown = errors.New("seshat: database is shut down")
	// ErrPoolPoisoned is returned after the writer died on an internal
	// invariant violation. The handle is unusable; reopen the database.
	ErrPoolPoisoned = errors.New("seshat: writer poisoned, database must be reopened")
)
