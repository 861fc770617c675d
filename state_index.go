package msgstore

import (
	"encoding/binary"
	"iter"

	"github.com/cespare/xxhash"
	"github.com/cockroachdb/pebble"
)

// IndexDefinition names a secondary index and projects a message onto its
// index key. A nil key means the message has no entry in this index. Bump
// Version when the projection changes shape; the registry rebuilds the index
// from scratch on the next ensure instead of trusting the persisted marker.
type IndexDefinition struct {
	Name    string
	Version uint8
	Prefix  []byte
	Key     func(m Message) []byte
}

func (d IndexDefinition) bounds() (lo, hi []byte) {
	lo = d.Prefix
	hi = append(append([]byte{}, d.Prefix[:len(d.Prefix)-1]...), d.Prefix[len(d.Prefix)-1]+1)
	return
}

// StateIndex orders messages by (delivery state, id). Enumeration within one
// state is insertion-ordered since ids are monotonic.
var StateIndex = IndexDefinition{
	Name:    "delivery-state",
	Version: 1,
	Prefix:  []byte{'I', 'S'},
	Key:     stateIndexKey,
}

func stateIndexKey(m Message) []byte {
	key := []byte{'I', 'S', byte(m.State)}
	return binary.BigEndian.AppendUint64(key, m.ID)
}

func stateKeyID(key []byte) uint64 {
	return binary.BigEndian.Uint64(key[len(key)-8:])
}

func stateBounds(st DeliveryState) (lo, hi []byte) {
	return []byte{'I', 'S', byte(st)}, []byte{'I', 'S', byte(st) + 1}
}

// ThreadIndex buckets messages by a hash of their thread id. Lookups compare
// the actual thread id of every candidate, so hash collisions cost an extra
// read but never return a foreign message.
var ThreadIndex = IndexDefinition{
	Name:    "thread",
	Version: 1,
	Prefix:  []byte{'I', 'T'},
	Key:     threadIndexKey,
}

func threadIndexKey(m Message) []byte {
	if m.ThreadID == "" {
		return nil
	}
	key := binary.BigEndian.AppendUint64([]byte{'I', 'T'}, xxhash.Sum64String(m.ThreadID))
	return binary.BigEndian.AppendUint64(key, m.ID)
}

func threadBounds(threadID string) (lo, hi []byte) {
	hash := xxhash.Sum64String(threadID)
	lo = binary.BigEndian.AppendUint64([]byte{'I', 'T'}, hash)
	// one byte past any key in this bucket, avoids wraparound on hash+1
	hi = append(append([]byte{}, lo...), 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff)
	return
}

// DefaultIndexes are the indexes a store maintains out of the box.
func DefaultIndexes() []IndexDefinition {
	return []IndexDefinition{StateIndex, ThreadIndex}
}

func indexIDs(reader pebble.Reader, lo, hi []byte) iter.Seq[uint64] {
	return func(yield func(id uint64) bool) {
		it := reader.NewIter(&pebble.IterOptions{
			LowerBound: lo,
			UpperBound: hi,
		})
		defer it.Close()
		for valid := it.First(); valid; valid = it.Next() {
			if !yield(stateKeyID(it.Key())) {
				return
			}
		}
	}
}

// MessagesInState enumerates messages currently in the given delivery state,
// in insertion order, against a point-in-time snapshot. A non-ready index
// yields nothing.
func (s *Store) MessagesInState(st DeliveryState) iter.Seq[Message] {
	return func(yield func(Message) bool) {
		if s.closed.Load() || !s.indexUsable(StateIndex.Name) {
			return
		}
		snap := s.db.NewSnapshot()
		defer snap.Close()
		lo, hi := stateBounds(st)
		for id := range indexIDs(snap, lo, hi) {
			m, err := s.readMessage(snap, id)
			if err != nil || m.State != st {
				// index entry lagging behind the record, skip
				continue
			}
			if !yield(m) {
				return
			}
		}
	}
}

// MessagesInState enumerates within the transaction: index entries come from
// the transaction's snapshot, the records themselves are re-read through the
// transaction so writes made inside it are visible and concurrent state
// changes are filtered out.
func (tx *Tx) MessagesInState(st DeliveryState) iter.Seq[Message] {
	return func(yield func(Message) bool) {
		if tx.done || !tx.s.indexUsable(StateIndex.Name) {
			return
		}
		lo, hi := stateBounds(st)
		for id := range indexIDs(tx.snap, lo, hi) {
			m, err := tx.Get(id)
			if err != nil || m.State != st {
				continue
			}
			if !yield(m) {
				return
			}
		}
	}
}

// MessagesInThread enumerates the messages of one conversation in insertion
// order. Hash-collided neighbors are filtered by comparing thread ids.
func (s *Store) MessagesInThread(threadID string) iter.Seq[Message] {
	return func(yield func(Message) bool) {
		if s.closed.Load() || !s.indexUsable(ThreadIndex.Name) {
			return
		}
		snap := s.db.NewSnapshot()
		defer snap.Close()
		lo, hi := threadBounds(threadID)
		for id := range indexIDs(snap, lo, hi) {
			m, err := s.readMessage(snap, id)
			if err != nil || m.ThreadID != threadID {
				continue
			}
			if !yield(m) {
				return
			}
		}
	}
}
