// Package store keeps the local replica: every object and linked value pulled
// from the peer, plus the per-partition cursor that makes a pull resumable.
package store

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	"github.com/cockroachdb/pebble"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/maxpert/dcjoin/drs"
	"github.com/maxpert/dcjoin/encoding"
	"github.com/maxpert/dcjoin/telemetry"
)

// Key prefixes for Pebble storage
const (
	prefixObject = "/obj/"    // /obj/{nc-hash}/{guid}
	prefixLink   = "/link/"   // /link/{nc-hash}/{source-guid}/{attr}/{target-guid}
	prefixCursor = "/cursor/" // /cursor/{nc-hash}
	prefixStats  = "/stats/"  // /stats/{nc-hash}
)

// ErrClosed is returned by every operation after Close
var ErrClosed = errors.New("replica store is closed")

// Options tunes the store
type Options struct {
	CacheSizeMB    int64
	MemTableSizeMB int64

	// SessionKey enables unprotecting secret attributes before they are stored
	SessionKey  []byte
	Unprotector drs.Unprotector
}

// partitionStats is the persisted object/link count of one naming context
type partitionStats struct {
	Partition string `msgpack:"partition"`
	NC        string `msgpack:"nc"`
	Objects   int64  `msgpack:"objects"`
	Links     int64  `msgpack:"links"`
}

// CursorRecord is one persisted cursor with the partition it belongs to
type CursorRecord struct {
	Partition string
	NC        string
	Cursor    drs.Cursor
}

type storedCursor struct {
	Partition string     `msgpack:"partition"`
	NC        string     `msgpack:"nc"`
	Cursor    drs.Cursor `msgpack:"cursor"`
}

// Store is a Pebble-backed replica. Apply is serialized; reads may run
// concurrently with it.
type Store struct {
	db   *pebble.DB
	path string

	sessionKey  []byte
	unprotector drs.Unprotector

	applyMu sync.Mutex
	statsMu sync.RWMutex
	stats   map[uint64]*partitionStats

	closed atomic.Bool
}

// Open creates or opens a store at path
func Open(path string, opts Options) (*Store, error) {
	cacheSize := opts.CacheSizeMB << 20
	if cacheSize <= 0 {
		cacheSize = 64 << 20
	}
	memTable := opts.MemTableSizeMB << 20
	if memTable <= 0 {
		memTable = 32 << 20
	}

	cache := pebble.NewCache(cacheSize)
	defer cache.Unref()

	db, err := pebble.Open(path, &pebble.Options{
		Cache:                       cache,
		MemTableSize:                uint64(memTable),
		MemTableStopWritesThreshold: 4,
		L0CompactionThreshold:       2,
		L0StopWritesThreshold:       12,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open replica store at %s: %w", path, err)
	}

	s := &Store{
		db:          db,
		path:        path,
		sessionKey:  opts.SessionKey,
		unprotector: opts.Unprotector,
		stats:       make(map[uint64]*partitionStats),
	}
	if s.unprotector == nil && len(s.sessionKey) > 0 {
		s.unprotector = drs.SessionKeyUnprotector{}
	}

	if err := s.loadStats(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to load partition stats: %w", err)
	}

	log.Info().Str("path", path).Int("partitions", len(s.stats)).Msg("Opened replica store")
	return s, nil
}

func ncHash(nc drs.NamingContextID) uint64 {
	return xxhash.Sum64String(nc.Key())
}

func objectKey(h uint64, guid uuid.UUID) []byte {
	return []byte(fmt.Sprintf("%s%016x/%s", prefixObject, h, guid))
}

func objectPrefix(h uint64) []byte {
	return []byte(fmt.Sprintf("%s%016x/", prefixObject, h))
}

func linkKey(h uint64, l drs.LinkedValue) []byte {
	return []byte(fmt.Sprintf("%s%016x/%s/%08x/%s", prefixLink, h, l.SourceGUID, l.AttributeID, l.TargetGUID))
}

func linkPrefix(h uint64) []byte {
	return []byte(fmt.Sprintf("%s%016x/", prefixLink, h))
}

func cursorKey(h uint64) []byte {
	return []byte(fmt.Sprintf("%s%016x", prefixCursor, h))
}

func statsKey(h uint64) []byte {
	return []byte(fmt.Sprintf("%s%016x", prefixStats, h))
}

func (s *Store) loadStats() error {
	prefix := []byte(prefixStats)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.SeekGE(prefix); iter.Valid(); iter.Next() {
		val, err := iter.ValueAndErr()
		if err != nil {
			return err
		}
		var st partitionStats
		if err := encoding.Unmarshal(val, &st); err != nil {
			return fmt.Errorf("corrupted stats at %s: %w", iter.Key(), err)
		}
		s.stats[xxhash.Sum64String(st.NC)] = &st
	}
	return iter.Error()
}

// Apply stores one page and advances the partition cursor in the same commit
func (s *Store) Apply(ctx context.Context, b *drs.ReplicaBatch) error {
	if s.closed.Load() {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.applyMu.Lock()
	defer s.applyMu.Unlock()

	h := ncHash(b.NC)
	st := s.statsFor(h, b)
	objects, links := st.Objects, st.Links

	batch := s.db.NewIndexedBatch()
	defer batch.Close()

	for i := range b.Objects {
		obj, err := s.prepareObject(&b.Objects[i])
		if err != nil {
			return err
		}
		key := objectKey(h, obj.GUID)
		exists, err := has(batch, key)
		if err != nil {
			return err
		}
		val, err := encoding.Marshal(obj)
		if err != nil {
			return fmt.Errorf("failed to marshal object %s: %w", obj.DN, err)
		}
		if err := batch.Set(key, val, nil); err != nil {
			return err
		}
		if !exists {
			objects++
		}
	}

	for _, l := range b.Links {
		key := linkKey(h, l)
		exists, err := has(batch, key)
		if err != nil {
			return err
		}
		if !l.Active {
			if exists {
				if err := batch.Delete(key, nil); err != nil {
					return err
				}
				links--
			}
			continue
		}
		val, err := encoding.Marshal(&l)
		if err != nil {
			return fmt.Errorf("failed to marshal link: %w", err)
		}
		if err := batch.Set(key, val, nil); err != nil {
			return err
		}
		if !exists {
			links++
		}
	}

	cursor := drs.Cursor{
		Watermark:          b.NewWatermark,
		MoreData:           b.MoreData,
		SourceInvocationID: b.SourceInvocationID,
		Pages:              1,
	}
	if prev, ok, err := s.loadCursor(batch, h); err != nil {
		return err
	} else if ok {
		cursor.Pages = prev.Cursor.Pages + 1
	}
	if err := s.putCursor(batch, h, b.Partition, b.NC, cursor); err != nil {
		return err
	}

	next := partitionStats{Partition: st.Partition, NC: st.NC, Objects: objects, Links: links}
	val, err := encoding.Marshal(&next)
	if err != nil {
		return err
	}
	if err := batch.Set(statsKey(h), val, nil); err != nil {
		return err
	}

	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("failed to commit page %d of %s: %w", b.Page, b.NC.DN, err)
	}

	s.statsMu.Lock()
	*st = next
	s.statsMu.Unlock()

	telemetry.StoreObjects.With(next.Partition).Set(float64(next.Objects))
	telemetry.StoreLinks.With(next.Partition).Set(float64(next.Links))
	return nil
}

func (s *Store) statsFor(h uint64, b *drs.ReplicaBatch) *partitionStats {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	st, ok := s.stats[h]
	if !ok {
		st = &partitionStats{NC: b.NC.Key()}
		s.stats[h] = st
	}
	if b.Partition != "" {
		st.Partition = b.Partition
	}
	if st.Partition == "" {
		st.Partition = b.NC.DN
	}
	return st
}

// prepareObject returns the object as it is stored, with secret
// attributes unprotected when a session key is configured
func (s *Store) prepareObject(obj *drs.ReplicatedObject) (*drs.ReplicatedObject, error) {
	if s.unprotector == nil || len(s.sessionKey) == 0 {
		return obj, nil
	}

	out := *obj
	out.Attributes = make([]drs.Attribute, len(obj.Attributes))
	for i, attr := range obj.Attributes {
		out.Attributes[i] = attr
		if !drs.IsSecretAttribute(attr.ID) {
			continue
		}
		values := make([][]byte, len(attr.Values))
		for j, v := range attr.Values {
			plain, err := s.unprotector.Unprotect(s.sessionKey, attr.ID, v)
			if err != nil {
				return nil, fmt.Errorf("unprotect attribute %d of %s: %w", attr.ID, obj.DN, err)
			}
			values[j] = plain
		}
		out.Attributes[i].Values = values
	}
	return &out, nil
}

func has(r pebble.Reader, key []byte) (bool, error) {
	_, closer, err := r.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	closer.Close()
	return true, nil
}

func (s *Store) loadCursor(r pebble.Reader, h uint64) (storedCursor, bool, error) {
	val, closer, err := r.Get(cursorKey(h))
	if errors.Is(err, pebble.ErrNotFound) {
		return storedCursor{}, false, nil
	}
	if err != nil {
		return storedCursor{}, false, err
	}
	defer closer.Close()

	var sc storedCursor
	if err := encoding.Unmarshal(val, &sc); err != nil {
		return storedCursor{}, false, fmt.Errorf("corrupted cursor: %w", err)
	}
	return sc, true, nil
}

func (s *Store) putCursor(w pebble.Writer, h uint64, partition string, nc drs.NamingContextID, cursor drs.Cursor) error {
	val, err := encoding.Marshal(&storedCursor{Partition: partition, NC: nc.DN, Cursor: cursor})
	if err != nil {
		return err
	}
	return w.Set(cursorKey(h), val, nil)
}

// LoadCursor implements drs.CursorStore
func (s *Store) LoadCursor(nc drs.NamingContextID) (drs.Cursor, bool, error) {
	if s.closed.Load() {
		return drs.Cursor{}, false, ErrClosed
	}
	sc, ok, err := s.loadCursor(s.db, ncHash(nc))
	return sc.Cursor, ok, err
}

// SaveCursor implements drs.CursorStore
func (s *Store) SaveCursor(nc drs.NamingContextID, cursor drs.Cursor) error {
	if s.closed.Load() {
		return ErrClosed
	}
	h := ncHash(nc)
	partition := nc.DN
	if prev, ok, err := s.loadCursor(s.db, h); err != nil {
		return err
	} else if ok && prev.Partition != "" {
		partition = prev.Partition
	}

	batch := s.db.NewBatch()
	defer batch.Close()
	if err := s.putCursor(batch, h, partition, nc, cursor); err != nil {
		return err
	}
	return batch.Commit(pebble.Sync)
}

// Cursors returns every persisted cursor ordered by naming context
func (s *Store) Cursors() ([]CursorRecord, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}

	prefix := []byte(prefixCursor)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []CursorRecord
	for iter.SeekGE(prefix); iter.Valid(); iter.Next() {
		val, err := iter.ValueAndErr()
		if err != nil {
			return nil, err
		}
		var sc storedCursor
		if err := encoding.Unmarshal(val, &sc); err != nil {
			log.Warn().Err(err).Str("key", string(iter.Key())).Msg("Skipping corrupted cursor")
			continue
		}
		out = append(out, CursorRecord{Partition: sc.Partition, NC: sc.NC, Cursor: sc.Cursor})
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NC < out[j].NC })
	return out, nil
}

// Object returns one stored object
func (s *Store) Object(nc drs.NamingContextID, guid uuid.UUID) (*drs.ReplicatedObject, bool, error) {
	if s.closed.Load() {
		return nil, false, ErrClosed
	}
	val, closer, err := s.db.Get(objectKey(ncHash(nc), guid))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	defer closer.Close()

	var obj drs.ReplicatedObject
	if err := encoding.Unmarshal(val, &obj); err != nil {
		return nil, false, fmt.Errorf("corrupted object %s: %w", guid, err)
	}
	return &obj, true, nil
}

// ForEachObject visits every stored object of a naming context in key order
func (s *Store) ForEachObject(nc drs.NamingContextID, fn func(*drs.ReplicatedObject) error) error {
	if s.closed.Load() {
		return ErrClosed
	}
	prefix := objectPrefix(ncHash(nc))
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.SeekGE(prefix); iter.Valid(); iter.Next() {
		val, err := iter.ValueAndErr()
		if err != nil {
			return err
		}
		var obj drs.ReplicatedObject
		if err := encoding.Unmarshal(val, &obj); err != nil {
			return fmt.Errorf("corrupted object at %s: %w", iter.Key(), err)
		}
		if err := fn(&obj); err != nil {
			return err
		}
	}
	return iter.Error()
}

// Reset forgets everything stored for a naming context, cursor included
func (s *Store) Reset(nc drs.NamingContextID) error {
	if s.closed.Load() {
		return ErrClosed
	}
	s.applyMu.Lock()
	defer s.applyMu.Unlock()

	h := ncHash(nc)
	batch := s.db.NewBatch()
	defer batch.Close()
	for _, prefix := range [][]byte{objectPrefix(h), linkPrefix(h)} {
		if err := batch.DeleteRange(prefix, prefixUpperBound(prefix), nil); err != nil {
			return err
		}
	}
	if err := batch.Delete(cursorKey(h), nil); err != nil {
		return err
	}
	if err := batch.Delete(statsKey(h), nil); err != nil {
		return err
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return err
	}

	s.statsMu.Lock()
	partition := nc.DN
	if st, ok := s.stats[h]; ok && st.Partition != "" {
		partition = st.Partition
	}
	delete(s.stats, h)
	s.statsMu.Unlock()
	telemetry.ForgetPartition(partition)

	log.Info().Str("nc", nc.DN).Msg("Reset partition in replica store")
	return nil
}

// PartitionStats implements telemetry.StatsProvider
func (s *Store) PartitionStats() ([]telemetry.PartitionStats, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	s.statsMu.RLock()
	defer s.statsMu.RUnlock()

	out := make([]telemetry.PartitionStats, 0, len(s.stats))
	for _, st := range s.stats {
		out = append(out, telemetry.PartitionStats{
			Partition: st.Partition,
			Objects:   st.Objects,
			Links:     st.Links,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Partition < out[j].Partition })
	return out, nil
}

// Close closes the Pebble database
func (s *Store) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return ErrClosed
	}
	s.applyMu.Lock()
	defer s.applyMu.Unlock()
	return s.db.Close()
}

// prefixUpperBound returns the upper bound for a prefix scan
func prefixUpperBound(prefix []byte) []byte {
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end
		}
	}
	return nil
}

// SessionKeyFromHex decodes the configured session key
func SessionKeyFromHex(s string) ([]byte, error) {
	if s == "" {
		return nil, nil
	}
	key, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid session key: %w", err)
	}
	return key, nil
}

var (
	_ drs.Sink                = (*Store)(nil)
	_ drs.CursorStore         = (*Store)(nil)
	_ telemetry.StatsProvider = (*Store)(nil)
)
