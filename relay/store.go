package relay

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"fleetrelay/storage"
)

// Table prefixes. The queue and pending tables embed binary sort keys after
// the prefix; everything else is keyed by lowercase hex.
var (
	accountPrefix = []byte("account/")
	queuePrefix   = []byte("queue/")
	logicalPrefix = []byte("logical/")
	pendingPrefix = []byte("pending/")
	nonceKey      = []byte("meta/noncecounter")
	cursorKey     = []byte("meta/synccursor")
)

// record wraps every stored value with an optimistic-concurrency version.
// Operations that span a network call capture the version on read and present
// it again on write; a mismatch means another operation touched the record
// while this one was suspended, and the write fails with errStaleRecord.
type record struct {
	Version uint64          `json:"v"`
	Data    json.RawMessage `json:"d"`
}

type storeJob struct {
	fn   func(*Txn) error
	done chan error
}

// Store serializes every state mutation through a single writer goroutine.
// All reads and writes happen inside Exec callbacks, which the writer runs one
// at a time; callbacks must not perform network I/O. Long operations split
// into read-step, network call, re-read-and-write-step.
type Store struct {
	db   storage.Database
	jobs chan storeJob
	quit chan struct{}
	done chan struct{}
}

// NewStore starts the writer goroutine over the given database.
func NewStore(db storage.Database) *Store {
	s := &Store{
		db:   db,
		jobs: make(chan storeJob),
		quit: make(chan struct{}),
		done: make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *Store) run() {
	defer close(s.done)
	for {
		select {
		case <-s.quit:
			return
		case job := <-s.jobs:
			txn := &Txn{db: s.db, staged: make(map[string]stagedOp)}
			err := job.fn(txn)
			if err == nil {
				err = txn.commit()
			}
			job.done <- err
		}
	}
}

// Exec runs fn on the writer goroutine and returns its error. Writes staged by
// fn are committed only when fn returns nil.
func (s *Store) Exec(fn func(*Txn) error) error {
	job := storeJob{fn: fn, done: make(chan error, 1)}
	select {
	case s.jobs <- job:
		return <-job.done
	case <-s.quit:
		return errors.New("relay: store closed")
	}
}

// Close stops the writer goroutine. In-flight Exec calls complete first.
func (s *Store) Close() {
	close(s.quit)
	<-s.done
}

type stagedOp struct {
	value  []byte // nil means delete
	delete bool
}

// Txn is a view of the store scoped to one Exec callback. Point reads observe
// staged writes; Ascend walks committed state with staged overrides applied
// per key.
type Txn struct {
	db     storage.Database
	staged map[string]stagedOp
}

func (tx *Txn) commit() error {
	for key, op := range tx.staged {
		if op.delete {
			if err := tx.db.Delete([]byte(key)); err != nil {
				return err
			}
			continue
		}
		if err := tx.db.Put([]byte(key), op.value); err != nil {
			return err
		}
	}
	return nil
}

func (tx *Txn) rawGet(key []byte) ([]byte, bool, error) {
	if op, ok := tx.staged[string(key)]; ok {
		if op.delete {
			return nil, false, nil
		}
		return op.value, true, nil
	}
	value, err := tx.db.Get(key)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

// getRecord decodes the envelope at key into out, returning the stored
// version. Missing keys yield version 0 and found=false.
func (tx *Txn) getRecord(key []byte, out any) (uint64, bool, error) {
	raw, found, err := tx.rawGet(key)
	if err != nil || !found {
		return 0, false, err
	}
	var rec record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return 0, false, fmt.Errorf("relay: corrupt record at %q: %w", key, err)
	}
	if out != nil {
		if err := json.Unmarshal(rec.Data, out); err != nil {
			return 0, false, fmt.Errorf("relay: corrupt record at %q: %w", key, err)
		}
	}
	return rec.Version, true, nil
}

// putRecord writes value at key if the stored version still equals expect
// (0 for "must not exist"). The new version is expect+1.
func (tx *Txn) putRecord(key []byte, value any, expect uint64) error {
	current, _, err := tx.getRecord(key, nil)
	if err != nil {
		return err
	}
	if current != expect {
		return errStaleRecord
	}
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(record{Version: expect + 1, Data: data})
	if err != nil {
		return err
	}
	tx.staged[string(key)] = stagedOp{value: raw}
	return nil
}

func (tx *Txn) deleteRecord(key []byte) {
	tx.staged[string(key)] = stagedOp{delete: true}
}

// ascend walks the committed prefix range, applying staged overrides per key.
// Keys staged for deletion are skipped; keys inserted during the same Txn are
// not surfaced.
func (tx *Txn) ascend(prefix []byte, fn func(key []byte, rec record) bool) error {
	var decodeErr error
	err := tx.db.Ascend(prefix, func(key, value []byte) bool {
		if op, ok := tx.staged[string(key)]; ok {
			if op.delete {
				return true
			}
			value = op.value
		}
		var rec record
		if err := json.Unmarshal(value, &rec); err != nil {
			decodeErr = fmt.Errorf("relay: corrupt record at %q: %w", key, err)
			return false
		}
		return fn(key[len(prefix):], rec)
	})
	if decodeErr != nil {
		return decodeErr
	}
	return err
}

func (tx *Txn) count(prefix []byte) (int, error) {
	n := 0
	err := tx.ascend(prefix, func([]byte, record) bool {
		n++
		return true
	})
	return n, err
}

func addressKey(prefix []byte, addr common.Address) []byte {
	return append(append([]byte(nil), prefix...), []byte(strings.ToLower(addr.Hex()))...)
}

func hashKey(prefix []byte, h common.Hash) []byte {
	return append(append([]byte(nil), prefix...), h[:]...)
}

func prefixed(prefix, suffix []byte) []byte {
	return append(append([]byte(nil), prefix...), suffix...)
}

// --- Accounts ---

func (tx *Txn) Account(addr common.Address) (*Account, uint64, error) {
	acct := &Account{}
	version, found, err := tx.getRecord(addressKey(accountPrefix, addr), acct)
	if err != nil || !found {
		return nil, 0, err
	}
	acct.normalize()
	return acct, version, nil
}

func (tx *Txn) PutAccount(acct *Account, expect uint64) error {
	return tx.putRecord(addressKey(accountPrefix, acct.Address), acct, expect)
}

func (tx *Txn) AccountsAscend(fn func(acct *Account, version uint64) bool) error {
	return tx.ascend(accountPrefix, func(_ []byte, rec record) bool {
		acct := &Account{}
		if err := json.Unmarshal(rec.Data, acct); err != nil {
			return true
		}
		acct.normalize()
		return fn(acct, rec.Version)
	})
}

// --- Queue ---

func (tx *Txn) QueueGet(key []byte) (*RevealRequest, uint64, error) {
	req := &RevealRequest{}
	version, found, err := tx.getRecord(prefixed(queuePrefix, key), req)
	if err != nil || !found {
		return nil, 0, err
	}
	return req, version, nil
}

func (tx *Txn) QueuePut(key []byte, req *RevealRequest, expect uint64) error {
	return tx.putRecord(prefixed(queuePrefix, key), req, expect)
}

func (tx *Txn) QueueDelete(key []byte) {
	tx.deleteRecord(prefixed(queuePrefix, key))
}

// QueueAscend walks queue entries in (broadcastTime, logicalId) order.
func (tx *Txn) QueueAscend(fn func(key []byte, req *RevealRequest, version uint64) bool) error {
	var decodeErr error
	err := tx.ascend(queuePrefix, func(key []byte, rec record) bool {
		req := &RevealRequest{}
		if err := json.Unmarshal(rec.Data, req); err != nil {
			decodeErr = err
			return false
		}
		return fn(key, req, rec.Version)
	})
	if decodeErr != nil {
		return decodeErr
	}
	return err
}

func (tx *Txn) QueueCount() (int, error) {
	return tx.count(queuePrefix)
}

// --- Logical index ---

func (tx *Txn) Logical(id common.Hash) (*logicalEntry, uint64, error) {
	entry := &logicalEntry{}
	version, found, err := tx.getRecord(hashKey(logicalPrefix, id), entry)
	if err != nil || !found {
		return nil, 0, err
	}
	return entry, version, nil
}

func (tx *Txn) PutLogical(id common.Hash, entry *logicalEntry, expect uint64) error {
	return tx.putRecord(hashKey(logicalPrefix, id), entry, expect)
}

func (tx *Txn) DeleteLogical(id common.Hash) {
	tx.deleteRecord(hashKey(logicalPrefix, id))
}

// --- Pending transactions ---

func (tx *Txn) Pending(key []byte) (*PendingTx, uint64, error) {
	pend := &PendingTx{}
	version, found, err := tx.getRecord(prefixed(pendingPrefix, key), pend)
	if err != nil || !found {
		return nil, 0, err
	}
	return pend, version, nil
}

func (tx *Txn) PutPending(key []byte, pend *PendingTx, expect uint64) error {
	return tx.putRecord(prefixed(pendingPrefix, key), pend, expect)
}

func (tx *Txn) DeletePending(key []byte) {
	tx.deleteRecord(prefixed(pendingPrefix, key))
}

// PendingAscend walks pending transactions in nonce order.
func (tx *Txn) PendingAscend(fn func(key []byte, pend *PendingTx, version uint64) bool) error {
	var decodeErr error
	err := tx.ascend(pendingPrefix, func(key []byte, rec record) bool {
		pend := &PendingTx{}
		if err := json.Unmarshal(rec.Data, pend); err != nil {
			decodeErr = err
			return false
		}
		return fn(key, pend, rec.Version)
	})
	if decodeErr != nil {
		return decodeErr
	}
	return err
}

func (tx *Txn) PendingCount() (int, error) {
	return tx.count(pendingPrefix)
}

// --- Singletons ---

func (tx *Txn) NonceCounter() (nonceCounter, uint64, error) {
	var nc nonceCounter
	version, _, err := tx.getRecord(nonceKey, &nc)
	return nc, version, err
}

func (tx *Txn) PutNonceCounter(nc nonceCounter, expect uint64) error {
	return tx.putRecord(nonceKey, nc, expect)
}

func (tx *Txn) Cursor() (*SyncCursor, uint64, error) {
	cursor := &SyncCursor{}
	version, found, err := tx.getRecord(cursorKey, cursor)
	if err != nil || !found {
		return nil, 0, err
	}
	return cursor, version, nil
}

func (tx *Txn) PutCursor(cursor *SyncCursor, expect uint64) error {
	return tx.putRecord(cursorKey, cursor, expect)
}
