package msgstore

import (
	"bytes"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/pebble"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/chinitadelrey/msgstore/utils"
)

type Options struct {
	Logger utils.Logger
	// Indexes the store knows how to maintain. Registration with the
	// IndexRegistry decides when each becomes queryable. Defaults to
	// DefaultIndexes.
	Indexes          []IndexDefinition
	MessageCacheSize int
	WriteOptions     *pebble.WriteOptions
	// OnReady hooks run once the store has opened and recovered its
	// metadata, before Open returns. The application uses them to schedule
	// startup work such as the failed-messages job.
	OnReady []func(*Store)
}

func (o *Options) SetDefaults() {
	if o.Logger == nil {
		o.Logger = utils.NewDefaultLogger(slog.LevelInfo)
	}
	if o.Indexes == nil {
		o.Indexes = DefaultIndexes()
	}
	if o.MessageCacheSize == 0 {
		o.MessageCacheSize = 10000
	}
	if o.WriteOptions == nil {
		o.WriteOptions = pebble.Sync
	}
}

type indexStatus uint8

const (
	indexInactive indexStatus = iota
	// write path maintains entries, enumeration not yet allowed
	indexMaintained
	indexReady
)

type storeIndex struct {
	def    IndexDefinition
	status indexStatus
}

// Store is a persistent message store on top of a single pebble DB.
type Store struct {
	db   *pebble.DB
	dir  string
	id   uuid.UUID
	log  utils.Logger
	opts Options

	ilock   sync.Mutex
	indexes map[string]*storeIndex

	// serializes transaction commits against index-build activation, so a
	// commit is always covered by the build's scan snapshot, the write
	// path, or harmlessly both
	buildLock sync.RWMutex

	lastID atomic.Uint64
	closed atomic.Bool

	msgCache *lru.Cache[uint64, Message]
}

// Open opens (or creates) a store in dir and recovers its metadata. Index
// maintenance resumes immediately for every known index whose persisted
// readiness marker matches the current definition version.
func Open(dir string, opts Options) (*Store, error) {
	opts.SetDefaults()
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, err
	}
	cache, _ := lru.New[uint64, Message](opts.MessageCacheSize)
	s := &Store{
		db:       db,
		dir:      dir,
		log:      opts.Logger,
		opts:     opts,
		indexes:  make(map[string]*storeIndex),
		msgCache: cache,
	}
	if err = s.loadIdentity(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err = s.recoverLastID(); err != nil {
		_ = db.Close()
		return nil, err
	}
	for _, def := range opts.Indexes {
		si := &storeIndex{def: def}
		if s.hasReadyMarker(def) {
			// built in a previous lifetime with the same shape; keep it
			// in sync from the first write, the registry grants readiness
			si.status = indexMaintained
		}
		s.indexes[def.Name] = si
	}
	s.log.Debug("store open", "dir", dir, "store", s.id.String(), "last_id", s.lastID.Load())
	for _, hook := range opts.OnReady {
		hook(s)
	}
	return s, nil
}

func (s *Store) loadIdentity() error {
	val, closer, err := s.db.Get(storeUUIDKey())
	if err == nil {
		defer closer.Close()
		s.id, err = uuid.FromBytes(val)
		return err
	}
	if err != pebble.ErrNotFound {
		return err
	}
	s.id = uuid.New()
	return s.db.Set(storeUUIDKey(), s.id[:], s.opts.WriteOptions)
}

func (s *Store) recoverLastID() error {
	lo, hi := msgKeyBounds()
	it := s.db.NewIter(&pebble.IterOptions{LowerBound: lo, UpperBound: hi})
	defer it.Close()
	if it.Last() {
		s.lastID.Store(msgKeyID(it.Key()))
	}
	return it.Error()
}

// ID is the store instance identity, stable across restarts. The process-wide
// IndexRegistry keys its readiness table by it.
func (s *Store) ID() uuid.UUID {
	return s.id
}

func (s *Store) Dir() string {
	return s.dir
}

func (s *Store) Close() error {
	if s.closed.Swap(true) {
		return ErrClosed
	}
	return s.db.Close()
}

// Message reads one message outside of any transaction.
func (s *Store) Message(id uint64) (Message, error) {
	if s.closed.Load() {
		return Message{}, ErrClosed
	}
	if m, ok := s.msgCache.Get(id); ok {
		return m, nil
	}
	m, err := s.readMessage(s.db, id)
	if err == nil {
		s.msgCache.Add(id, m)
	}
	return m, err
}

func (s *Store) readMessage(reader pebble.Reader, id uint64) (Message, error) {
	val, closer, err := reader.Get(msgKey(id))
	if err == pebble.ErrNotFound {
		return Message{}, ErrMessageUnknown
	}
	if err != nil {
		return Message{}, err
	}
	defer closer.Close()
	return decodeMessage(val)
}

// Put stores a message in its own transaction and returns it with its
// assigned id.
func (s *Store) Put(m Message) (Message, error) {
	tx, err := s.Begin()
	if err != nil {
		return m, err
	}
	defer tx.Close()
	if m, err = tx.Put(m); err != nil {
		return m, err
	}
	return m, tx.Commit()
}

func (s *Store) Delete(id uint64) error {
	tx, err := s.Begin()
	if err != nil {
		return err
	}
	defer tx.Close()
	if err = tx.Delete(id); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) wo() *pebble.WriteOptions {
	return s.opts.WriteOptions
}

func (s *Store) activeIndexes() []IndexDefinition {
	s.ilock.Lock()
	defer s.ilock.Unlock()
	defs := make([]IndexDefinition, 0, len(s.indexes))
	for _, si := range s.indexes {
		if si.status != indexInactive {
			defs = append(defs, si.def)
		}
	}
	return defs
}

func (s *Store) activateIndex(def IndexDefinition) {
	s.ilock.Lock()
	defer s.ilock.Unlock()
	si := s.indexes[def.Name]
	if si == nil {
		si = &storeIndex{def: def}
		s.indexes[def.Name] = si
	}
	if si.status == indexInactive {
		si.status = indexMaintained
	}
}

func (s *Store) setIndexReady(name string) {
	s.ilock.Lock()
	defer s.ilock.Unlock()
	if si := s.indexes[name]; si != nil {
		si.status = indexReady
	}
}

func (s *Store) deactivateIndex(name string) {
	s.ilock.Lock()
	defer s.ilock.Unlock()
	if si := s.indexes[name]; si != nil {
		si.status = indexInactive
	}
}

func (s *Store) indexUsable(name string) bool {
	s.ilock.Lock()
	defer s.ilock.Unlock()
	si := s.indexes[name]
	return si != nil && si.status == indexReady
}

func (s *Store) hasReadyMarker(def IndexDefinition) bool {
	if s.closed.Load() {
		return false
	}
	val, closer, err := s.db.Get(indexMarkerKey(def.Name))
	if err != nil {
		return false
	}
	defer closer.Close()
	return len(val) == 1 && val[0] == def.Version
}

// buildIndex scans every message into the index. Stale entries of a previous
// definition version are dropped first; the write path is activated and the
// scan snapshot taken under the build lock, which commits also take, so no
// commit can fall between the two.
func (s *Store) buildIndex(def IndexDefinition) error {
	if s.closed.Load() {
		return ErrClosed
	}
	lo, hi := def.bounds()
	if err := s.db.DeleteRange(lo, hi, s.wo()); err != nil {
		return err
	}
	s.buildLock.Lock()
	s.activateIndex(def)
	snap := s.db.NewSnapshot()
	s.buildLock.Unlock()
	defer snap.Close()
	batch := s.db.NewBatch()
	defer batch.Close()
	mlo, mhi := msgKeyBounds()
	it := snap.NewIter(&pebble.IterOptions{LowerBound: mlo, UpperBound: mhi})
	defer it.Close()
	for valid := it.First(); valid; valid = it.Next() {
		m, err := decodeMessage(it.Value())
		if err != nil {
			return err
		}
		if key := def.Key(m); key != nil {
			if err = batch.Set(key, nil, nil); err != nil {
				return err
			}
		}
	}
	if err := batch.Set(indexMarkerKey(def.Name), []byte{def.Version}, nil); err != nil {
		return err
	}
	return batch.Commit(s.wo())
}

// txOp remembers one record mutation so Commit can emit the matching index
// deltas against whatever indexes are active by then, not at Put time. A Tx
// open across an index build would otherwise commit unindexed records: the
// build snapshot cannot see the uncommitted write and the Put predates the
// write path.
type txOp struct {
	old    Message
	hasOld bool
	del    bool
	msg    Message
}

// Tx is a read-write transaction. Writes are buffered in an indexed pebble
// batch and become durable atomically on Commit; enumeration runs against the
// snapshot taken at Begin.
type Tx struct {
	s     *Store
	batch *pebble.Batch
	snap  *pebble.Snapshot
	ops   []txOp
	done  bool
}

func (s *Store) Begin() (*Tx, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	return &Tx{
		s:     s,
		batch: s.db.NewIndexedBatch(),
		snap:  s.db.NewSnapshot(),
	}, nil
}

// Get reads a message through the transaction: own writes first, then the
// current store state.
func (tx *Tx) Get(id uint64) (Message, error) {
	if tx.done {
		return Message{}, ErrTxDone
	}
	return tx.s.readMessage(tx.batch, id)
}

// Put writes a message. The matching secondary-index deltas are emitted at
// Commit so they reflect the indexes active at commit time.
func (tx *Tx) Put(m Message) (Message, error) {
	if tx.done {
		return m, ErrTxDone
	}
	if m.ID == 0 {
		m.ID = tx.s.lastID.Add(1)
	}
	old, err := tx.Get(m.ID)
	hasOld := err == nil
	if err != nil && !errors.Is(err, ErrMessageUnknown) {
		return m, err
	}
	data, err := encodeMessage(m)
	if err != nil {
		return m, err
	}
	if err = tx.batch.Set(msgKey(m.ID), data, nil); err != nil {
		return m, err
	}
	tx.ops = append(tx.ops, txOp{old: old, hasOld: hasOld, msg: m})
	return m, nil
}

func (tx *Tx) Delete(id uint64) error {
	if tx.done {
		return ErrTxDone
	}
	old, err := tx.Get(id)
	if errors.Is(err, ErrMessageUnknown) {
		return nil
	}
	if err != nil {
		return err
	}
	if err = tx.batch.Delete(msgKey(id), nil); err != nil {
		return err
	}
	tx.ops = append(tx.ops, txOp{old: old, hasOld: true, del: true, msg: old})
	return nil
}

// applyIndexDeltas replays the recorded mutations against one index. Within
// the batch later writes win, so chained updates to the same message leave
// exactly the final entry.
func (tx *Tx) applyIndexDeltas(def IndexDefinition) error {
	for _, op := range tx.ops {
		var oldKey []byte
		if op.hasOld {
			oldKey = def.Key(op.old)
		}
		var newKey []byte
		if !op.del {
			newKey = def.Key(op.msg)
		}
		if oldKey != nil && !bytes.Equal(oldKey, newKey) {
			if err := tx.batch.Delete(oldKey, nil); err != nil {
				return err
			}
		}
		if newKey != nil {
			if err := tx.batch.Set(newKey, nil, nil); err != nil {
				return err
			}
		}
	}
	return nil
}

// Commit applies the whole batch atomically, or nothing at all. Index deltas
// are computed here, under the build lock: a commit therefore lands either
// before an in-flight build's scan snapshot (the scan picks it up) or after
// the index was activated (the deltas cover it).
func (tx *Tx) Commit() error {
	if tx.done {
		return ErrTxDone
	}
	tx.done = true
	tx.s.buildLock.RLock()
	var err error
	if tx.s.closed.Load() {
		err = ErrClosed
	} else {
		for _, def := range tx.s.activeIndexes() {
			if err = tx.applyIndexDeltas(def); err != nil {
				break
			}
		}
		if err == nil {
			err = tx.batch.Commit(tx.s.wo())
		}
	}
	tx.s.buildLock.RUnlock()
	_ = tx.batch.Close()
	_ = tx.snap.Close()
	for _, op := range tx.ops {
		tx.s.msgCache.Remove(op.msg.ID)
	}
	return err
}

// Close discards the transaction if it was not committed.
func (tx *Tx) Close() error {
	if tx.done {
		return nil
	}
	tx.done = true
	_ = tx.snap.Close()
	return tx.batch.Close()
}
