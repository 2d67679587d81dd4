package administration

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dgraph-io/badger"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Key prefixes of the badger tables.
const (
	keyTypeRecord     byte = 1 // id -> record JSON
	keyTypeWindow     byte = 2 // medication, administered_at, id -> empty
	keyTypeLink       byte = 3 // id, other id -> empty
	keyTypeSuccessor  byte = 4 // id -> superseding id
	keyTypeMedication byte = 5 // medication -> write counter
)

const maxCommitRetries = 16

func recordKey(id uuid.UUID) []byte {
	return append([]byte{keyTypeRecord}, id[:]...)
}

// sortableNanos maps a signed timestamp onto an unsigned value with the
// same ordering so big-endian keys sort chronologically.
func sortableNanos(t time.Time) uint64 {
	return uint64(t.UnixNano()) ^ (1 << 63)
}

func windowKey(medID uuid.UUID, at time.Time, id uuid.UUID) []byte {
	key := make([]byte, 1+16+8+16)
	key[0] = keyTypeWindow
	copy(key[1:17], medID[:])
	binary.BigEndian.PutUint64(key[17:25], sortableNanos(at))
	copy(key[25:41], id[:])
	return key
}

func windowKeyPrefix(medID uuid.UUID) []byte {
	return append([]byte{keyTypeWindow}, medID[:]...)
}

func decodeWindowKey(key []byte) (uuid.UUID, error) {
	if len(key) != 41 {
		return uuid.Nil, fmt.Errorf("window key has wrong length; got %d, want 41", len(key))
	}
	return uuid.FromBytes(key[25:41])
}

func linkKeyPrefix(id uuid.UUID) []byte {
	return append([]byte{keyTypeLink}, id[:]...)
}

func linkKey(id, other uuid.UUID) []byte {
	return append(linkKeyPrefix(id), other[:]...)
}

func successorKey(id uuid.UUID) []byte {
	return append([]byte{keyTypeSuccessor}, id[:]...)
}

func medicationSeqKey(medID uuid.UUID) []byte {
	return append([]byte{keyTypeMedication}, medID[:]...)
}

// BadgerStore is an embedded administration log. Every write reads and
// bumps a per-medication counter, so two concurrent writers for the same
// medication always conflict under badger's serializable transactions and
// the loser retries against the committed state.
type BadgerStore struct {
	db *badger.DB
}

// OpenBadgerStore opens (or creates) a store in dir.
func OpenBadgerStore(dir string, logger zerolog.Logger) (*BadgerStore, error) {
	opts := badger.DefaultOptions(dir)
	opts.Logger = badgerLogger{logger.With().Str("component", "badger").Logger()}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger dir %q: %w", dir, err)
	}
	return &BadgerStore{db: db}, nil
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}

func (s *BadgerStore) Append(ctx context.Context, rec *Record, guard *WindowGuard) error {
	stored := rec.clone()
	stored.ConflictOf = nil
	stored.SupersededBy = nil
	value, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}

	for attempt := 0; attempt < maxCommitRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err = s.db.Update(func(txn *badger.Txn) error {
			return s.appendTxn(txn, rec, value, guard)
		})
		if errors.Is(err, badger.ErrConflict) {
			continue
		}
		return err
	}
	return fmt.Errorf("append record %s: %w", rec.ID, err)
}

func (s *BadgerStore) appendTxn(txn *badger.Txn, rec *Record, value []byte, guard *WindowGuard) error {
	seqKey := medicationSeqKey(rec.MedicationID)
	var seq uint64
	item, err := txn.Get(seqKey)
	switch {
	case err == nil:
		raw, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		seq = binary.BigEndian.Uint64(raw)
	case errors.Is(err, badger.ErrKeyNotFound):
	default:
		return err
	}

	if _, err := txn.Get(recordKey(rec.ID)); err == nil {
		return fmt.Errorf("append record %s: duplicate id", rec.ID)
	} else if !errors.Is(err, badger.ErrKeyNotFound) {
		return err
	}

	if guard != nil {
		active, err := s.listTxn(txn, guard.query())
		if err != nil {
			return err
		}
		if err := guard.Check(active); err != nil {
			return err
		}
	}

	if rec.Supersedes != nil {
		target, err := s.getTxn(txn, *rec.Supersedes)
		if err != nil {
			return fmt.Errorf("supersede %s: %w", *rec.Supersedes, err)
		}
		if !target.Active() {
			return &WindowOccupiedError{Records: []*Record{target}}
		}
		if err := txn.Set(successorKey(target.ID), rec.ID[:]); err != nil {
			return err
		}
	}

	for _, id := range rec.ConflictOf {
		if _, err := txn.Get(recordKey(id)); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return fmt.Errorf("link conflict %s: %w", id, ErrNotFound)
			}
			return err
		}
		if err := txn.Set(linkKey(rec.ID, id), nil); err != nil {
			return err
		}
		if err := txn.Set(linkKey(id, rec.ID), nil); err != nil {
			return err
		}
	}

	if err := txn.Set(recordKey(rec.ID), value); err != nil {
		return err
	}
	if err := txn.Set(windowKey(rec.MedicationID, rec.AdministeredAt, rec.ID), nil); err != nil {
		return err
	}
	next := make([]byte, 8)
	binary.BigEndian.PutUint64(next, seq+1)
	return txn.Set(seqKey, next)
}

func (s *BadgerStore) GetByID(_ context.Context, id uuid.UUID) (*Record, error) {
	var out *Record
	err := s.db.View(func(txn *badger.Txn) error {
		r, err := s.getTxn(txn, id)
		out = r
		return err
	})
	return out, err
}

func (s *BadgerStore) List(_ context.Context, q Query) ([]*Record, error) {
	var out []*Record
	err := s.db.View(func(txn *badger.Txn) error {
		rs, err := s.listTxn(txn, q)
		out = rs
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("list administrations: %w", err)
	}
	return out, nil
}

func (s *BadgerStore) getTxn(txn *badger.Txn, id uuid.UUID) (*Record, error) {
	item, err := txn.Get(recordKey(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	raw, err := item.ValueCopy(nil)
	if err != nil {
		return nil, err
	}
	var r Record
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, fmt.Errorf("decode record %s: %w", id, err)
	}

	it := txn.NewIterator(badger.IteratorOptions{PrefetchValues: false})
	defer it.Close()
	prefix := linkKeyPrefix(id)
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		other, err := uuid.FromBytes(it.Item().Key()[len(prefix):])
		if err != nil {
			return nil, err
		}
		r.ConflictOf = append(r.ConflictOf, other)
	}

	item, err = txn.Get(successorKey(id))
	switch {
	case err == nil:
		raw, err := item.ValueCopy(nil)
		if err != nil {
			return nil, err
		}
		next, err := uuid.FromBytes(raw)
		if err != nil {
			return nil, err
		}
		r.SupersededBy = &next
	case !errors.Is(err, badger.ErrKeyNotFound):
		return nil, err
	}
	return &r, nil
}

func (s *BadgerStore) listTxn(txn *badger.Txn, q Query) ([]*Record, error) {
	prefix := windowKeyPrefix(q.MedicationID)
	start := prefix
	if !q.From.IsZero() {
		start = windowKey(q.MedicationID, q.From, uuid.Nil)
	}

	var ids []uuid.UUID
	it := txn.NewIterator(badger.IteratorOptions{PrefetchValues: false})
	for it.Seek(start); it.ValidForPrefix(prefix); it.Next() {
		key := it.Item().KeyCopy(nil)
		if !q.To.IsZero() && binary.BigEndian.Uint64(key[17:25]) > sortableNanos(q.To) {
			break
		}
		id, err := decodeWindowKey(key)
		if err != nil {
			it.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	it.Close()

	var out []*Record
	for _, id := range ids {
		r, err := s.getTxn(txn, id)
		if err != nil {
			return nil, err
		}
		if q.matches(r) {
			out = append(out, r)
		}
	}
	sortRecords(out)
	return out, nil
}

// badgerLogger routes badger's internal logging through zerolog.
type badgerLogger struct {
	log zerolog.Logger
}

func (l badgerLogger) Errorf(format string, args ...interface{}) {
	l.log.Error().Msg(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l badgerLogger) Warningf(format string, args ...interface{}) {
	l.log.Warn().Msg(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l badgerLogger) Infof(format string, args ...interface{}) {
	l.log.Info().Msg(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l badgerLogger) Debugf(format string, args ...interface{}) {
	l.log.Debug().Msg(strings.TrimSpace(fmt.Sprintf(format, args...)))
}
