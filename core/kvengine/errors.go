package kvengine

import "errors"

// Sentinel errors surfaced to the host. I/O and format errors from the OS
// or from a corrupt file are wrapped with fmt.Errorf("...: %w", err) at the
// call site rather than listed here; these are the logic-level errors a
// caller is expected to branch on with errors.Is.
var (
	// ErrNotFound is returned by Find/GetCollection when the target key or
	// collection name is absent.
	ErrNotFound = errors.New("kvengine: not found")

	// ErrWriteInsideReadTx is returned by any mutating call issued against
	// a read transaction.
	ErrWriteInsideReadTx = errors.New("kvengine: write attempted inside a read transaction")

	// ErrKeyTooLarge and ErrValueTooLarge enforce the one-byte length
	// prefix the wire format uses for keys and values.
	ErrKeyTooLarge   = errors.New("kvengine: key exceeds 255 bytes")
	ErrValueTooLarge = errors.New("kvengine: value exceeds 255 bytes")

	// ErrTxFinished is returned by any operation attempted on a
	// transaction that has already committed or rolled back.
	ErrTxFinished = errors.New("kvengine: transaction already committed or rolled back")

	// ErrSplitIndexNotFound indicates a node was flagged over-populated
	// but no split point could be computed — a corrupted tree or an
	// impossible fill-threshold configuration. Treated as a sanity
	// failure, never expected in a correctly configured store.
	ErrSplitIndexNotFound = errors.New("kvengine: over-populated node has no split index")

	// ErrCorrupt wraps a bad magic number or a deserialization that read
	// past a page's bounds. The DAL refuses to proceed past this.
	ErrCorrupt = errors.New("kvengine: on-disk format corrupt")

	// ErrCollectionExists is returned by CreateCollection when the name is
	// already in use.
	ErrCollectionExists = errors.New("kvengine: collection already exists")
)
