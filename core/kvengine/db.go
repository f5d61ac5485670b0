package kvengine

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// DB is an open, single-file store. At most one write transaction runs
// at a time; any number of read transactions may run concurrently with
// each other but never with a writer, enforced by lock.
type DB struct {
	dal  *DAL
	lock sync.RWMutex

	logger *zap.Logger
}

// Open opens the database file at path, creating it with a fresh,
// empty collections tree if it doesn't already exist.
func Open(path string, opts Options, logger *zap.Logger) (*DB, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	dal, err := openDAL(path, opts, logger)
	if err != nil {
		return nil, fmt.Errorf("kvengine: open %s: %w", path, err)
	}
	return &DB{
		dal:    dal,
		logger: logger.Named("db"),
	}, nil
}

// Close releases the underlying file. Any transaction still open when
// Close is called has undefined results — callers must commit or roll
// back every transaction first.
func (db *DB) Close() error {
	return db.dal.close()
}

// ReadTx begins a read-only transaction. It blocks until no write
// transaction holds the lock, and does not block concurrent readers.
func (db *DB) ReadTx() *Transaction {
	db.lock.RLock()
	return newTransaction(db, false)
}

// WriteTx begins the single, exclusive write transaction. It blocks
// until every other reader and writer has released the lock.
func (db *DB) WriteTx() *Transaction {
	db.lock.Lock()
	return newTransaction(db, true)
}
