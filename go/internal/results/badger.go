package results

import (
	"context"
	"fmt"
	"net/url"

	"github.com/dgraph-io/badger/v3"
	"github.com/vmihailenco/msgpack/v5"
)

const recordEntity = "result"

// OpenBadger opens the embedded database at dir. An empty dir opens an
// in-memory instance.
func OpenBadger(dir string) (*badger.DB, error) {
	opts := badger.DefaultOptions(dir).WithLoggingLevel(badger.ERROR)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger: %w", err)
	}
	return db, nil
}

// BadgerStore keeps records under result/<trackId>/<recordId> with the track
// id path-escaped, so ids containing "/" never share another track's prefix.
// Record ids are KSUIDs, so a prefix scan is ordered by creation second.
type BadgerStore struct {
	db *badger.DB
}

func NewBadgerStore(db *badger.DB) *BadgerStore {
	return &BadgerStore{db: db}
}

func (b *BadgerStore) prefix(trackID string) []byte {
	return []byte(fmt.Sprintf("%s/%s/", recordEntity, url.PathEscape(trackID)))
}

func (b *BadgerStore) buildKey(rec Record) []byte {
	return append(b.prefix(rec.TrackID), rec.ID...)
}

func (b *BadgerStore) Save(_ context.Context, rec Record) error {
	buf, err := msgpack.Marshal(&rec)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}

	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(b.buildKey(rec), buf)
	})
}

func (b *BadgerStore) List(_ context.Context, trackID string) ([]Record, error) {
	prefix := b.prefix(trackID)
	records := []Record{}

	err := b.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var rec Record
			if err := it.Item().Value(func(val []byte) error {
				return msgpack.Unmarshal(val, &rec)
			}); err != nil {
				return err
			}
			records = append(records, rec)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list records: %w", err)
	}
	return records, nil
}

func (b *BadgerStore) Close() error {
	return b.db.Close()
}
