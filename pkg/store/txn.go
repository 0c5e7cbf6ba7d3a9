package store

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"strings"
	"sync"
	"time"

	"chatsync/pkg/logger"
	"chatsync/pkg/telemetry"

	"github.com/cockroachdb/pebble"
)

// txnRetryBudget bounds the optimistic retry loop in RunTxn.
const txnRetryBudget = 5

// commitMu serializes commits so version checks and batch application are
// one unit. Readers outside transactions are not blocked.
var commitMu sync.Mutex

// Txn is a read-set-tracking view over the store. Reads record the version
// they observed (0 for absent documents); commit fails with ErrTxnConflict
// if any read document changed since.
type Txn struct {
	reads   map[string]uint64
	writes  map[string][]byte
	deletes map[string]struct{}
	topics  map[string]struct{}
}

func newTxn() *Txn {
	return &Txn{
		reads:   map[string]uint64{},
		writes:  map[string][]byte{},
		deletes: map[string]struct{}{},
		topics:  map[string]struct{}{},
	}
}

// Get returns the document under key as seen by this transaction.
func (t *Txn) Get(key string) ([]byte, error) {
	if _, ok := t.deletes[key]; ok {
		return nil, ErrNotFound
	}
	if data, ok := t.writes[key]; ok {
		return append([]byte(nil), data...), nil
	}
	data, ver, err := getDoc(key)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			// record the miss so a concurrent create conflicts
			t.reads[key] = 0
			return nil, ErrNotFound
		}
		return nil, err
	}
	if _, seen := t.reads[key]; !seen {
		t.reads[key] = ver
	}
	return data, nil
}

// GetJSON unmarshals the document under key into v.
func (t *Txn) GetJSON(key string, v interface{}) error {
	data, err := t.Get(key)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// Set stages a write of key.
func (t *Txn) Set(key string, data []byte) {
	delete(t.deletes, key)
	t.writes[key] = append([]byte(nil), data...)
}

// SetJSON stages a write of v marshaled as JSON.
func (t *Txn) SetJSON(key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	t.Set(key, data)
	return nil
}

// Delete stages a delete of key.
func (t *Txn) Delete(key string) {
	delete(t.writes, key)
	t.deletes[key] = struct{}{}
}

// Notify registers a watch topic to fire if the transaction commits, in
// addition to the conversation topics derived from touched keys.
func (t *Txn) Notify(topic string) {
	t.topics[topic] = struct{}{}
}

// commit validates the read set and applies all staged mutations in one
// pebble batch. Returns ErrTxnConflict if any read document moved.
func (t *Txn) commit() error {
	if db == nil {
		return errors.New("pebble not opened; call store.Open first")
	}
	commitMu.Lock()
	defer commitMu.Unlock()

	for key, seen := range t.reads {
		cur, err := version(key)
		if err != nil {
			return err
		}
		if cur != seen {
			return ErrTxnConflict
		}
	}

	b := new(pebble.Batch)
	for key := range t.deletes {
		if err := b.Delete([]byte(key), nil); err != nil {
			return mapErr(err)
		}
		t.addKeyTopic(key)
	}
	for key, data := range t.writes {
		cur, err := version(key)
		if err != nil {
			return err
		}
		env, err := json.Marshal(envelope{V: cur + 1, D: data})
		if err != nil {
			return err
		}
		if err := b.Set([]byte(key), env, nil); err != nil {
			return mapErr(err)
		}
		t.addKeyTopic(key)
	}
	if err := db.Apply(b, pebble.Sync); err != nil {
		return mapErr(err)
	}

	for topic := range t.topics {
		notify(topic)
	}
	return nil
}

// addKeyTopic derives the conversation topic from a touched key.
func (t *Txn) addKeyTopic(key string) {
	if !strings.HasPrefix(key, "conv:") {
		return
	}
	rest := key[len("conv:"):]
	if i := strings.IndexByte(rest, ':'); i > 0 {
		t.topics[ConvTopic(rest[:i])] = struct{}{}
	}
}

// RunTxn runs fn inside an optimistic transaction, retrying on commit
// conflicts with jittered backoff up to the retry budget. Errors from fn
// abort without retry.
func RunTxn(ctx context.Context, fn func(*Txn) error) error {
	for attempt := 0; ; attempt++ {
		t := newTxn()
		if err := fn(t); err != nil {
			return err
		}
		err := t.commit()
		if err == nil {
			if attempt > 0 {
				telemetry.TxnRetries.Add(float64(attempt))
			}
			return nil
		}
		if !errors.Is(err, ErrTxnConflict) {
			return err
		}
		if attempt+1 >= txnRetryBudget {
			telemetry.TxnConflicts.Inc()
			logger.Warn("txn_retries_exhausted", "attempts", attempt+1)
			return ErrTxnConflict
		}
		backoff := time.Duration(1+rand.Intn(4*(attempt+1))) * time.Millisecond
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
