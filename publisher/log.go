package publisher

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	"github.com/cockroachdb/pebble"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/maxpert/dcjoin/drs"
	"github.com/maxpert/dcjoin/encoding"
)

// ErrLogClosed is returned by every operation after Close
var ErrLogClosed = errors.New("publish log is closed")

// Key layout
const (
	prefixEvent = "/ev/"   // /ev/{seq}: one ChangeEvent
	prefixPage  = "/page/" // /page/{nc-hash}: last page published for a naming context
	prefixAck   = "/ack/"  // /ack/{sink}: last sequence a sink acknowledged
	keyHead     = "/head"  // highest sequence written
)

const (
	defaultReadLimit = 100
	// trimStep is how far the slowest sink must move before acknowledged events are deleted
	trimStep = 128
)

// PageMark identifies the last page of a naming context that reached the log.
// A page whose watermark does not move past the mark under the same source
// invocation is a replay and is not appended again.
type PageMark struct {
	Partition          string        `msgpack:"partition"`
	NC                 string        `msgpack:"nc"`
	SourceInvocationID uuid.UUID     `msgpack:"inv"`
	Watermark          drs.Watermark `msgpack:"wm"`
	LastSeq            uint64        `msgpack:"seq"`
}

// covers reports whether b was already published under this mark
func (m PageMark) covers(b *drs.ReplicaBatch) bool {
	return m.SourceInvocationID == b.SourceInvocationID && !m.Watermark.Less(b.NewWatermark)
}

// PublishLog is the durable queue between the pull and the sink workers.
// Events are numbered in arrival order; each sink acknowledges the sequence
// it has delivered and everything below the slowest sink is trimmed.
type PublishLog struct {
	db   *pebble.DB
	path string

	writeMu sync.Mutex
	head    atomic.Uint64

	ackMu     sync.RWMutex
	acks      map[string]uint64
	trimmedTo uint64

	closed atomic.Bool
}

// NewPublishLog opens or creates the log at path
func NewPublishLog(path string) (*PublishLog, error) {
	db, err := pebble.Open(path, &pebble.Options{
		MemTableSize:             16 << 20,
		MaxConcurrentCompactions: func() int { return 2 },
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open publish log at %s: %w", path, err)
	}

	pl := &PublishLog{db: db, path: path, acks: make(map[string]uint64)}
	if err := pl.load(); err != nil {
		db.Close()
		return nil, err
	}
	return pl, nil
}

func (pl *PublishLog) load() error {
	val, closer, err := pl.db.Get([]byte(keyHead))
	switch {
	case errors.Is(err, pebble.ErrNotFound):
	case err != nil:
		return err
	default:
		head, derr := decodeSeq(val)
		closer.Close()
		if derr != nil {
			return fmt.Errorf("corrupted log head: %w", derr)
		}
		pl.head.Store(head)
	}

	prefix := []byte(prefixAck)
	iter, err := pl.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: prefixUpperBound(prefix)})
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		seq, err := decodeSeq(iter.Value())
		if err != nil {
			return fmt.Errorf("corrupted ack for sink %s: %w", iter.Key()[len(prefix):], err)
		}
		pl.acks[string(iter.Key()[len(prefix):])] = seq
	}
	if len(pl.acks) > 0 {
		log.Info().Int("sinks", len(pl.acks)).Uint64("head", pl.head.Load()).Msg("Loaded publish log")
	}
	return iter.Error()
}

// AppendPage appends the events of one pulled page unless the page was
// already published. It returns the sequence of the last event written and
// whether anything was appended.
func (pl *PublishLog) AppendPage(b *drs.ReplicaBatch, events []ChangeEvent) (uint64, bool, error) {
	if pl.closed.Load() {
		return 0, false, ErrLogClosed
	}
	if len(events) == 0 {
		return pl.head.Load(), false, nil
	}

	pl.writeMu.Lock()
	defer pl.writeMu.Unlock()

	mark, ok, err := pl.pageMark(pageKey(b.NC))
	if err != nil {
		return 0, false, err
	}
	if ok && mark.covers(b) {
		log.Debug().
			Str("partition", b.Partition).
			Uint64("usn", b.NewWatermark.HighestUSN).
			Uint64("published_usn", mark.Watermark.HighestUSN).
			Msg("Page already published, skipping")
		return mark.LastSeq, false, nil
	}

	batch := pl.db.NewBatch()
	defer batch.Close()

	last, err := pl.writeEvents(batch, events)
	if err != nil {
		return 0, false, err
	}
	val, err := encoding.Marshal(&PageMark{
		Partition:          b.Partition,
		NC:                 b.NC.DN,
		SourceInvocationID: b.SourceInvocationID,
		Watermark:          b.NewWatermark,
		LastSeq:            last,
	})
	if err != nil {
		return 0, false, err
	}
	if err := batch.Set(pageKey(b.NC), val, nil); err != nil {
		return 0, false, err
	}
	if err := pl.commit(batch, last); err != nil {
		return 0, false, err
	}
	return last, true, nil
}

// Append writes events without page tracking and assigns their SeqNum
func (pl *PublishLog) Append(events []ChangeEvent) error {
	if pl.closed.Load() {
		return ErrLogClosed
	}
	if len(events) == 0 {
		return nil
	}

	pl.writeMu.Lock()
	defer pl.writeMu.Unlock()

	batch := pl.db.NewBatch()
	defer batch.Close()

	last, err := pl.writeEvents(batch, events)
	if err != nil {
		return err
	}
	return pl.commit(batch, last)
}

// writeEvents numbers events after the current head; callers hold writeMu
func (pl *PublishLog) writeEvents(batch *pebble.Batch, events []ChangeEvent) (uint64, error) {
	seq := pl.head.Load()
	for i := range events {
		seq++
		events[i].SeqNum = seq
		val, err := encoding.Marshal(&events[i])
		if err != nil {
			return 0, fmt.Errorf("failed to marshal event %s: %w", events[i].DN, err)
		}
		if err := batch.Set(eventKey(seq), val, nil); err != nil {
			return 0, err
		}
	}
	return seq, nil
}

func (pl *PublishLog) commit(batch *pebble.Batch, head uint64) error {
	if err := batch.Set([]byte(keyHead), encodeSeq(head), nil); err != nil {
		return err
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("failed to commit events: %w", err)
	}
	pl.head.Store(head)
	return nil
}

func (pl *PublishLog) pageMark(key []byte) (PageMark, bool, error) {
	val, closer, err := pl.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return PageMark{}, false, nil
	}
	if err != nil {
		return PageMark{}, false, err
	}
	defer closer.Close()

	var mark PageMark
	if err := encoding.Unmarshal(val, &mark); err != nil {
		return PageMark{}, false, fmt.Errorf("corrupted page mark: %w", err)
	}
	return mark, true, nil
}

// LastPage returns the last page published for nc
func (pl *PublishLog) LastPage(nc drs.NamingContextID) (PageMark, bool, error) {
	if pl.closed.Load() {
		return PageMark{}, false, ErrLogClosed
	}
	return pl.pageMark(pageKey(nc))
}

// ReadFrom returns up to limit events with a sequence above after
func (pl *PublishLog) ReadFrom(after uint64, limit int) ([]ChangeEvent, error) {
	if pl.closed.Load() {
		return nil, ErrLogClosed
	}
	if limit <= 0 {
		limit = defaultReadLimit
	}

	iter, err := pl.db.NewIter(&pebble.IterOptions{
		LowerBound: eventKey(after + 1),
		UpperBound: prefixUpperBound([]byte(prefixEvent)),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	events := make([]ChangeEvent, 0, limit)
	for iter.First(); iter.Valid() && len(events) < limit; iter.Next() {
		var event ChangeEvent
		if err := encoding.Unmarshal(iter.Value(), &event); err != nil {
			log.Warn().Err(err).Str("key", string(iter.Key())).Msg("Skipping undecodable change event")
			continue
		}
		events = append(events, event)
	}
	return events, iter.Error()
}

// Acked returns the last sequence sink acknowledged, zero for a new sink
func (pl *PublishLog) Acked(sink string) (uint64, error) {
	if pl.closed.Load() {
		return 0, ErrLogClosed
	}
	pl.ackMu.RLock()
	defer pl.ackMu.RUnlock()
	return pl.acks[sink], nil
}

// Ack records that sink delivered every event up to seq, then trims events
// every sink has delivered
func (pl *PublishLog) Ack(sink string, seq uint64) error {
	if pl.closed.Load() {
		return ErrLogClosed
	}
	if err := pl.db.Set(ackKey(sink), encodeSeq(seq), pebble.Sync); err != nil {
		return fmt.Errorf("failed to record ack for %s: %w", sink, err)
	}

	pl.ackMu.Lock()
	pl.acks[sink] = seq
	floor := pl.floorLocked()
	due := floor >= pl.trimmedTo+trimStep
	if due {
		pl.trimmedTo = floor
	}
	pl.ackMu.Unlock()

	if due {
		pl.trim(floor)
	}
	return nil
}

// floorLocked is the lowest acknowledged sequence across sinks
func (pl *PublishLog) floorLocked() uint64 {
	floor := ^uint64(0)
	for _, seq := range pl.acks {
		floor = min(floor, seq)
	}
	if len(pl.acks) == 0 {
		return 0
	}
	return floor
}

// trim deletes events up to and including seq
func (pl *PublishLog) trim(seq uint64) {
	if seq == 0 || pl.closed.Load() {
		return
	}
	if err := pl.db.DeleteRange([]byte(prefixEvent), eventKey(seq+1), pebble.NoSync); err != nil {
		log.Warn().Err(err).Uint64("seq", seq).Msg("Failed to trim publish log")
		return
	}
	log.Debug().Uint64("seq", seq).Msg("Trimmed publish log")
}

// Head returns the highest sequence written
func (pl *PublishLog) Head() uint64 {
	return pl.head.Load()
}

// Lag returns how many events sink has not acknowledged
func (pl *PublishLog) Lag(sink string) (uint64, error) {
	acked, err := pl.Acked(sink)
	if err != nil {
		return 0, err
	}
	if head := pl.head.Load(); head > acked {
		return head - acked, nil
	}
	return 0, nil
}

// Close closes the log; a second Close returns ErrLogClosed
func (pl *PublishLog) Close() error {
	if !pl.closed.CompareAndSwap(false, true) {
		return ErrLogClosed
	}
	pl.writeMu.Lock()
	defer pl.writeMu.Unlock()
	return pl.db.Close()
}

func eventKey(seq uint64) []byte {
	return binary.BigEndian.AppendUint64([]byte(prefixEvent), seq)
}

func pageKey(nc drs.NamingContextID) []byte {
	return binary.BigEndian.AppendUint64([]byte(prefixPage), xxhash.Sum64String(nc.Key()))
}

func ackKey(sink string) []byte {
	return append([]byte(prefixAck), sink...)
}

func encodeSeq(seq uint64) []byte {
	return binary.BigEndian.AppendUint64(nil, seq)
}

func decodeSeq(b []byte) (uint64, error) {
	if len(b) != 8 {
		return 0, fmt.Errorf("invalid sequence length %d", len(b))
	}
	return binary.BigEndian.Uint64(b), nil
}

// prefixUpperBound returns the smallest key greater than every key with prefix
func prefixUpperBound(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}
