package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/pb"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/festivo/internal/presence/domain"
)

// BadgerStore is an embedded keyed store. Keys are "<collection>/<key>" and
// change notification uses badger's prefix subscriptions.
type BadgerStore struct {
	db     *badger.DB
	logger *zap.Logger
}

// OpenBadger opens (or creates) a store at path. An empty path opens an
// in-memory database.
func OpenBadger(path string, logger *zap.Logger) (*BadgerStore, error) {
	opts := badger.DefaultOptions(path).WithLogger(nil)
	if path == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return NewBadgerStore(db, logger), nil
}

func NewBadgerStore(db *badger.DB, logger *zap.Logger) *BadgerStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BadgerStore{db: db, logger: logger}
}

func (b *BadgerStore) Close() error {
	return b.db.Close()
}

func collectionPrefix(collection string) []byte {
	return []byte(collection + "/")
}

func itemKey(collection, key string) []byte {
	return []byte(collection + "/" + key)
}

func (b *BadgerStore) Put(_ context.Context, collection, key string, value []byte) error {
	err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(itemKey(collection, key), value)
	})
	if err != nil {
		return fmt.Errorf("badger put %s/%s: %w", collection, key, err)
	}
	return nil
}

func (b *BadgerStore) Delete(_ context.Context, collection, key string) error {
	err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(itemKey(collection, key))
	})
	if err != nil {
		return fmt.Errorf("badger delete %s/%s: %w", collection, key, err)
	}
	return nil
}

func (b *BadgerStore) Get(_ context.Context, collection, key string) (domain.Record, error) {
	var rec domain.Record
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(itemKey(collection, key))
		if err != nil {
			return err
		}
		value, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		rec = domain.Record{Key: key, Value: value}
		return nil
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return domain.Record{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Record{}, fmt.Errorf("badger get %s/%s: %w", collection, key, err)
	}
	return rec, nil
}

func (b *BadgerStore) load(collection string) ([]domain.Record, error) {
	prefix := collectionPrefix(collection)
	var records []domain.Record
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = true
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			value, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			records = append(records, domain.Record{
				Key:   strings.TrimPrefix(string(item.Key()), string(prefix)),
				Value: value,
			})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("badger load %s: %w", collection, err)
	}
	return records, nil
}

// readyPrefix holds short-lived marker keys written to confirm that a
// subscription is registered. Collection loads never see them.
const readyPrefix = "\x00ready/"

// SubscribeCollection delivers the collection once badger confirms the
// subscription is live and again after every write under its prefix. Every
// delivery runs on the subscription goroutine, so snapshots arrive in order.
func (b *BadgerStore) SubscribeCollection(ctx context.Context, collection string, onChange func([]domain.Record)) (func(), error) {
	prefix := collectionPrefix(collection)
	marker := []byte(readyPrefix + collection + "/" + uuid.NewString())
	sub := &subscription{onChange: onChange}

	subCtx, cancel := context.WithCancel(ctx)
	live := make(chan struct{})
	done := make(chan struct{})
	var subErr error
	go func() {
		defer close(done)
		started := false
		err := b.db.Subscribe(subCtx, func(list *badger.KVList) error {
			first, changed := false, false
			for _, kv := range list.Kv {
				switch {
				case bytes.Equal(kv.Key, marker):
					first = !started
				case bytes.HasPrefix(kv.Key, prefix):
					changed = true
				}
			}
			if first {
				started = true
				defer close(live)
			}
			if !first && (!started || !changed) {
				return nil
			}
			records, err := b.load(collection)
			if err != nil {
				b.logger.Warn("reload collection failed", zap.String("collection", collection), zap.Error(err))
				return nil
			}
			sub.deliver(records)
			return nil
		}, []pb.Match{{Prefix: prefix}, {Prefix: marker}})
		if err != nil && !errors.Is(err, context.Canceled) {
			subErr = err
			b.logger.Warn("badger subscription ended", zap.String("collection", collection), zap.Error(err))
		}
	}()

	unsubscribe := func() {
		sub.close()
		cancel()
		<-done
	}

	// The subscriber registers asynchronously; keep touching the marker
	// until its callback fires.
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		if err := b.touch(marker); err != nil {
			unsubscribe()
			return nil, err
		}
		select {
		case <-live:
			return unsubscribe, nil
		case <-done:
			cancel()
			if subErr == nil {
				subErr = subCtx.Err()
			}
			return nil, fmt.Errorf("badger subscribe %s: %w", collection, subErr)
		case <-ticker.C:
		}
	}
}

func (b *BadgerStore) touch(marker []byte) error {
	err := b.db.Update(func(txn *badger.Txn) error {
		return txn.SetEntry(badger.NewEntry(marker, nil).WithTTL(time.Minute))
	})
	if err != nil {
		return fmt.Errorf("badger mark subscription: %w", err)
	}
	return nil
}
