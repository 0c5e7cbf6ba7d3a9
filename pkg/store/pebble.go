package store

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"chatsync/pkg/logger"

	"github.com/cockroachdb/pebble"
)

var (
	db     *pebble.DB
	dbPath string
)

// envelope wraps every stored document with a version counter used for
// optimistic concurrency checks.
type envelope struct {
	V uint64          `json:"v"`
	D json.RawMessage `json:"d"`
}

// Open opens (or creates) a Pebble database at the given path and keeps a
// global handle for simple usage in this package.
func Open(path string) error {
	var err error
	logger.Info("opening_pebble_db", "path", path)
	db, err = pebble.Open(path, &pebble.Options{})
	if err != nil {
		logger.Error("pebble_open_failed", "path", path, "error", err)
		return mapErr(err)
	}
	dbPath = path
	logger.Info("pebble_opened", "path", path)
	return nil
}

// Close closes the opened pebble DB if present.
func Close() error {
	if db == nil {
		return nil
	}
	if err := db.Close(); err != nil {
		return mapErr(err)
	}
	db = nil
	logger.Info("pebble_closed")
	return nil
}

// Ready reports whether the store is opened and ready.
func Ready() bool {
	return db != nil
}

// lastTS guards the server clock so assigned timestamps are strictly
// increasing within the process even if the wall clock stalls.
var lastTS int64

// Now returns a strictly increasing server timestamp in nanoseconds.
func Now() int64 {
	for {
		now := time.Now().UTC().UnixNano()
		last := atomic.LoadInt64(&lastTS)
		if now <= last {
			now = last + 1
		}
		if atomic.CompareAndSwapInt64(&lastTS, last, now) {
			return now
		}
	}
}

// Get returns the document bytes stored under key.
func Get(key string) ([]byte, error) {
	data, _, err := getDoc(key)
	return data, err
}

// GetJSON unmarshals the document stored under key into v.
func GetJSON(key string, v interface{}) error {
	data, err := Get(key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("invalid document at %s: %w", key, err)
	}
	return nil
}

// getDoc reads key and returns the unwrapped document and its version.
func getDoc(key string) ([]byte, uint64, error) {
	if db == nil {
		return nil, 0, fmt.Errorf("pebble not opened; call store.Open first")
	}
	v, closer, err := db.Get([]byte(key))
	if err != nil {
		return nil, 0, mapErr(err)
	}
	var env envelope
	uerr := json.Unmarshal(v, &env)
	if closer != nil {
		_ = closer.Close()
	}
	if uerr != nil {
		return nil, 0, fmt.Errorf("invalid envelope at %s: %w", key, uerr)
	}
	return append([]byte(nil), env.D...), env.V, nil
}

// version returns the current version of key, 0 when absent.
func version(key string) (uint64, error) {
	_, ver, err := getDoc(key)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return 0, nil
		}
		return 0, err
	}
	return ver, nil
}

// KV is one key/value pair returned by Scan.
type KV struct {
	Key   string
	Value []byte
}

// Scan returns all documents whose key starts with prefix, in key order.
// Values are unwrapped from their envelopes.
func Scan(prefix string) ([]KV, error) {
	if db == nil {
		return nil, fmt.Errorf("pebble not opened; call store.Open first")
	}
	pfx := []byte(prefix)
	iter, err := db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return nil, mapErr(err)
	}
	defer iter.Close()
	var out []KV
	for iter.SeekGE(pfx); iter.Valid(); iter.Next() {
		if !bytes.HasPrefix(iter.Key(), pfx) {
			break
		}
		var env envelope
		if err := json.Unmarshal(iter.Value(), &env); err != nil {
			return nil, fmt.Errorf("invalid envelope at %s: %w", string(iter.Key()), err)
		}
		out = append(out, KV{
			Key:   string(append([]byte(nil), iter.Key()...)),
			Value: append([]byte(nil), env.D...),
		})
	}
	if err := iter.Error(); err != nil {
		return nil, mapErr(err)
	}
	return out, nil
}

// ScanKeys returns all keys starting with prefix.
func ScanKeys(prefix string) ([]string, error) {
	kvs, err := Scan(prefix)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(kvs))
	for _, kv := range kvs {
		out = append(out, kv.Key)
	}
	return out, nil
}
