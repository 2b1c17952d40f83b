// Package state persists the last accepted snapshot per device in a Pebble
// key/value store, so a daemon restart resumes diffing from where it left
// off instead of replaying a synthetic came-online for the whole fleet.
package state

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/bloom"
	jsoniter "github.com/json-iterator/go"

	"printwatch/device"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	recordVersion    = 1
	recordHeaderSize = 20
)

const (
	devicePrefix  = "d|"
	updatedPrefix = "u|"
	metaCountKey  = "meta|count"
)

var (
	errStoreClosed   = errors.New("state: store is closed")
	errInvalidCount  = errors.New("state: invalid count metadata")
	errInvalidRecord = errors.New("state: invalid record encoding")
)

const (
	defaultCacheSizeBytes        = int64(16 << 20) // fleet state is small; a modest block cache suffices
	defaultBloomFilterBits       = 10
	defaultMemTableSizeBytes     = uint64(8 << 20)
	defaultL0CompactionThreshold = 4
	defaultL0StopWritesThreshold = 16
	defaultWriteQueueDepth       = 16
)

// Options controls Pebble tuning and writer buffering for the state store.
// All zero/negative fields are replaced with safe defaults via sanitizeOptions.
type Options struct {
	CacheSizeBytes        int64
	BloomFilterBitsPerKey int
	MemTableSizeBytes     uint64
	L0CompactionThreshold int
	L0StopWritesThreshold int
	WriteQueueDepth       int
}

func sanitizeOptions(opts Options) Options {
	if opts.CacheSizeBytes <= 0 {
		opts.CacheSizeBytes = defaultCacheSizeBytes
	}
	if opts.BloomFilterBitsPerKey <= 0 {
		opts.BloomFilterBitsPerKey = defaultBloomFilterBits
	}
	if opts.MemTableSizeBytes <= 0 {
		opts.MemTableSizeBytes = defaultMemTableSizeBytes
	}
	if opts.L0CompactionThreshold <= 0 {
		opts.L0CompactionThreshold = defaultL0CompactionThreshold
	}
	if opts.L0StopWritesThreshold <= opts.L0CompactionThreshold {
		opts.L0StopWritesThreshold = defaultL0StopWritesThreshold
		if opts.L0StopWritesThreshold <= opts.L0CompactionThreshold {
			opts.L0StopWritesThreshold = opts.L0CompactionThreshold + 4
		}
	}
	if opts.WriteQueueDepth <= 0 {
		opts.WriteQueueDepth = defaultWriteQueueDepth
	}
	return opts
}

// Entry is one stored snapshot plus the bookkeeping the poller reuses.
type Entry struct {
	Snapshot    *device.Snapshot
	Fingerprint uint64
}

// Store manages the Pebble database holding per-device snapshots. Reads go
// straight to Pebble and run concurrently; every mutation funnels through a
// single writer goroutine, so a replace is one atomic batch and two device
// tasks can never interleave partial writes.
type Store struct {
	db     *pebble.DB
	writes chan writeRequest
	done   chan struct{}
	cache  *pebble.Cache // owned cache for the DB; unref'd on Close

	mu     sync.Mutex
	closed bool
	count  atomic.Int64
}

type writeKind int

const (
	writePut writeKind = iota
	writeDelete
	writePurge
)

type writeRequest struct {
	kind   writeKind
	snap   *device.Snapshot
	fp     uint64
	id     string
	cutoff time.Time
	resp   chan writeResult
}

type writeResult struct {
	removed int64
	err     error
}

// Open opens or creates the state database and starts the writer goroutine.
// Pebble takes an exclusive directory lock, which doubles as the guard
// against two daemon instances sharing one state directory.
func Open(path string, opts Options) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("state: database path is empty")
	}
	opts = sanitizeOptions(opts)

	if info, err := os.Stat(path); err == nil {
		if !info.IsDir() {
			return nil, fmt.Errorf("state: %s exists and is not a directory", path)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("state: stat path: %w", err)
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("state: ensure directory: %w", err)
	}

	pebbleOpts := &pebble.Options{
		MemTableSize:          opts.MemTableSizeBytes,
		L0CompactionThreshold: opts.L0CompactionThreshold,
		L0StopWritesThreshold: opts.L0StopWritesThreshold,
	}
	if opts.CacheSizeBytes > 0 {
		pebbleOpts.Cache = pebble.NewCache(opts.CacheSizeBytes)
	}
	if opts.BloomFilterBitsPerKey > 0 {
		filter := bloom.FilterPolicy(opts.BloomFilterBitsPerKey)
		level := pebble.LevelOptions{
			FilterPolicy: filter,
			FilterType:   pebble.TableFilter,
		}
		pebbleOpts.Levels = make([]pebble.LevelOptions, 7)
		for i := range pebbleOpts.Levels {
			pebbleOpts.Levels[i] = level
		}
	}

	db, err := pebble.Open(path, pebbleOpts)
	if err != nil {
		if pebbleOpts.Cache != nil {
			pebbleOpts.Cache.Unref()
		}
		return nil, fmt.Errorf("state: open: %w", err)
	}

	count, err := loadCount(db)
	if err != nil {
		_ = db.Close()
		if pebbleOpts.Cache != nil {
			pebbleOpts.Cache.Unref()
		}
		return nil, err
	}

	store := &Store{
		db:     db,
		writes: make(chan writeRequest, opts.WriteQueueDepth),
		done:   make(chan struct{}),
		cache:  pebbleOpts.Cache,
	}
	store.count.Store(count)
	go store.writeLoop()
	return store, nil
}

// Close drains the writer goroutine before closing Pebble.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	if s.closeWriter() {
		<-s.done
	}
	err := s.db.Close()
	if s.cache != nil {
		s.cache.Unref()
		s.cache = nil
	}
	return err
}

// Get returns the stored entry for a device, or (nil, nil) when the device
// has never completed a successful cycle.
func (s *Store) Get(deviceID string) (*Entry, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("state: store is not initialized")
	}
	deviceID = strings.TrimSpace(deviceID)
	if deviceID == "" {
		return nil, errors.New("state: device ID is empty")
	}
	value, closer, err := s.db.Get(deviceKeyBytes(deviceID))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("state: get %s: %w", deviceID, err)
	}
	defer closer.Close()
	entry, err := decodeRecord(deviceID, value)
	if err != nil {
		return nil, fmt.Errorf("state: decode %s: %w", deviceID, err)
	}
	return entry, nil
}

// Put replaces the device's entry with the given snapshot. The replace is a
// single synced batch: snapshot value, updated-at index, and count move
// together or not at all.
func (s *Store) Put(snap *device.Snapshot) error {
	if s == nil || s.db == nil {
		return errors.New("state: store is not initialized")
	}
	if snap == nil || strings.TrimSpace(snap.DeviceID) == "" {
		return errors.New("state: snapshot has no device ID")
	}
	resp := make(chan writeResult, 1)
	req := writeRequest{kind: writePut, snap: snap, fp: snap.Fingerprint(), resp: resp}
	if err := s.enqueue(req); err != nil {
		return err
	}
	result := <-resp
	return result.err
}

// Delete removes a device's entry. Called when the cloud reports the device
// as no longer bound. Deleting an absent device is a no-op.
func (s *Store) Delete(deviceID string) error {
	if s == nil || s.db == nil {
		return errors.New("state: store is not initialized")
	}
	deviceID = strings.TrimSpace(deviceID)
	if deviceID == "" {
		return errors.New("state: device ID is empty")
	}
	resp := make(chan writeResult, 1)
	req := writeRequest{kind: writeDelete, id: deviceID, resp: resp}
	if err := s.enqueue(req); err != nil {
		return err
	}
	result := <-resp
	return result.err
}

// PurgeOlderThan removes entries whose snapshot predates the cutoff,
// clearing out devices that disappeared without a clean not-found. Returns
// the number of entries removed.
func (s *Store) PurgeOlderThan(cutoff time.Time) (int64, error) {
	if s == nil || s.db == nil {
		return 0, errors.New("state: store is not initialized")
	}
	resp := make(chan writeResult, 1)
	req := writeRequest{kind: writePurge, cutoff: cutoff, resp: resp}
	if err := s.enqueue(req); err != nil {
		return 0, err
	}
	result := <-resp
	return result.removed, result.err
}

// Entries returns every stored snapshot, for diagnostics and the stats
// display.
func (s *Store) Entries() ([]*Entry, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("state: store is not initialized")
	}
	iter, err := s.db.NewIter(iterOptionsForPrefix(devicePrefix))
	if err != nil {
		return nil, fmt.Errorf("state: entries iterator: %w", err)
	}
	defer iter.Close()

	var list []*Entry
	for iter.First(); iter.Valid(); iter.Next() {
		id, ok := parseDeviceKey(iter.Key())
		if !ok {
			continue
		}
		entry, err := decodeRecord(id, iter.Value())
		if err != nil {
			return nil, fmt.Errorf("state: decode entry: %w", err)
		}
		list = append(list, entry)
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("state: iterate entries: %w", err)
	}
	return list, nil
}

// Count returns the number of devices with a stored snapshot.
func (s *Store) Count() int64 {
	if s == nil || s.db == nil {
		return 0
	}
	return s.count.Load()
}

func (s *Store) enqueue(req writeRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errStoreClosed
	}
	s.writes <- req
	return nil
}

func (s *Store) closeWriter() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.closed = true
	close(s.writes)
	return true
}

func (s *Store) writeLoop() {
	defer close(s.done)
	for req := range s.writes {
		result := writeResult{}
		switch req.kind {
		case writePut:
			result.err = s.applyPut(req.snap, req.fp)
		case writeDelete:
			result.err = s.applyDelete(req.id)
		case writePurge:
			result.removed, result.err = s.applyPurgeOlderThan(req.cutoff)
		default:
			result.err = fmt.Errorf("state: unknown write request")
		}
		if req.resp != nil {
			req.resp <- result
		}
	}
}

func (s *Store) applyPut(snap *device.Snapshot, fp uint64) error {
	id := strings.TrimSpace(snap.DeviceID)
	encoded, err := encodeRecord(snap, fp)
	if err != nil {
		return err
	}

	prevTaken, found, err := s.getTaken(id)
	if err != nil {
		return err
	}

	batch := s.db.NewBatch()
	defer batch.Close()

	if err := batch.Set(deviceKeyBytes(id), encoded, nil); err != nil {
		return fmt.Errorf("state: batch set %s: %w", id, err)
	}
	taken := snap.Taken.UTC().Unix()
	if found && prevTaken != taken {
		if err := batch.Delete(updatedKeyBytes(prevTaken, id), nil); err != nil {
			return fmt.Errorf("state: batch delete idx %s: %w", id, err)
		}
	}
	if !found || prevTaken != taken {
		if err := batch.Set(updatedKeyBytes(taken, id), nil, nil); err != nil {
			return fmt.Errorf("state: batch set idx %s: %w", id, err)
		}
	}

	count := s.count.Load()
	if !found {
		count++
		if err := batch.Set([]byte(metaCountKey), encodeCount(count), nil); err != nil {
			return fmt.Errorf("state: batch set count: %w", err)
		}
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("state: batch commit: %w", err)
	}
	if !found {
		s.count.Store(count)
	}
	return nil
}

func (s *Store) applyDelete(id string) error {
	prevTaken, found, err := s.getTaken(id)
	if err != nil {
		return err
	}
	if !found {
		return nil
	}

	batch := s.db.NewBatch()
	defer batch.Close()

	if err := batch.Delete(deviceKeyBytes(id), nil); err != nil {
		return fmt.Errorf("state: batch delete %s: %w", id, err)
	}
	if err := batch.Delete(updatedKeyBytes(prevTaken, id), nil); err != nil {
		return fmt.Errorf("state: batch delete idx %s: %w", id, err)
	}
	count := s.count.Load() - 1
	if count < 0 {
		count = 0
	}
	if err := batch.Set([]byte(metaCountKey), encodeCount(count), nil); err != nil {
		return fmt.Errorf("state: batch set count: %w", err)
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("state: batch commit: %w", err)
	}
	s.count.Store(count)
	return nil
}

func (s *Store) applyPurgeOlderThan(cutoff time.Time) (int64, error) {
	if cutoff.IsZero() {
		return 0, nil
	}
	cutoffUnix := cutoff.UTC().Unix()
	if cutoffUnix <= 0 {
		return 0, nil
	}
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(updatedPrefix),
		UpperBound: updatedKeyBytes(cutoffUnix+1, ""),
	})
	if err != nil {
		return 0, fmt.Errorf("state: purge iterator: %w", err)
	}
	defer iter.Close()

	batch := s.db.NewBatch()
	defer batch.Close()

	removed := int64(0)
	for iter.First(); iter.Valid(); iter.Next() {
		ts, id, ok := parseUpdatedKey(iter.Key())
		if !ok {
			continue
		}
		if ts > cutoffUnix {
			break
		}
		if err := batch.Delete(iter.Key(), nil); err != nil {
			return 0, fmt.Errorf("state: purge delete idx %s: %w", id, err)
		}
		if err := batch.Delete(deviceKeyBytes(id), nil); err != nil {
			return 0, fmt.Errorf("state: purge delete %s: %w", id, err)
		}
		removed++
	}
	if err := iter.Error(); err != nil {
		return 0, fmt.Errorf("state: purge iterate: %w", err)
	}
	if removed == 0 {
		return 0, nil
	}
	count := s.count.Load() - removed
	if count < 0 {
		count = 0
	}
	if err := batch.Set([]byte(metaCountKey), encodeCount(count), nil); err != nil {
		return 0, fmt.Errorf("state: purge set count: %w", err)
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return 0, fmt.Errorf("state: purge commit: %w", err)
	}
	s.count.Store(count)
	return removed, nil
}

func (s *Store) getTaken(id string) (int64, bool, error) {
	value, closer, err := s.db.Get(deviceKeyBytes(id))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("state: get %s: %w", id, err)
	}
	defer closer.Close()
	if len(value) < recordHeaderSize || value[0] != recordVersion {
		return 0, false, errInvalidRecord
	}
	return int64(binary.BigEndian.Uint64(value[4:])), true, nil
}

// Record layout (version 1):
//
//	[0]     version
//	[1]     source length
//	[2:4]   reserved
//	[4:12]  taken (unix seconds, big endian)
//	[12:20] fingerprint
//	[20:]   source string, then jsoniter-encoded field map
func encodeRecord(snap *device.Snapshot, fp uint64) ([]byte, error) {
	fieldsJSON, err := json.Marshal(snap.Fields)
	if err != nil {
		return nil, fmt.Errorf("state: encode fields: %w", err)
	}
	source := string(snap.Source)
	if len(source) > 255 {
		source = source[:255]
	}
	buf := make([]byte, recordHeaderSize+len(source)+len(fieldsJSON))
	buf[0] = recordVersion
	buf[1] = byte(len(source))
	binary.BigEndian.PutUint64(buf[4:], uint64(snap.Taken.UTC().Unix()))
	binary.BigEndian.PutUint64(buf[12:], fp)
	copy(buf[recordHeaderSize:], source)
	copy(buf[recordHeaderSize+len(source):], fieldsJSON)
	return buf, nil
}

func decodeRecord(deviceID string, raw []byte) (*Entry, error) {
	if len(raw) < recordHeaderSize {
		return nil, errInvalidRecord
	}
	if raw[0] != recordVersion {
		return nil, errInvalidRecord
	}
	sourceLen := int(raw[1])
	if recordHeaderSize+sourceLen > len(raw) {
		return nil, errInvalidRecord
	}
	taken := int64(binary.BigEndian.Uint64(raw[4:]))
	fp := binary.BigEndian.Uint64(raw[12:])
	source := string(raw[recordHeaderSize : recordHeaderSize+sourceLen])
	var fields map[string]string
	if err := json.Unmarshal(raw[recordHeaderSize+sourceLen:], &fields); err != nil {
		return nil, fmt.Errorf("state: decode fields: %w", err)
	}
	snap := &device.Snapshot{
		DeviceID: deviceID,
		Taken:    time.Unix(taken, 0).UTC(),
		Source:   device.Source(source),
		Fields:   fields,
	}
	return &Entry{Snapshot: snap, Fingerprint: fp}, nil
}

func encodeCount(count int64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(count))
	return buf
}

func loadCount(db *pebble.DB) (int64, error) {
	count, err := readCountMeta(db)
	if err == nil {
		return count, nil
	}
	if !errors.Is(err, pebble.ErrNotFound) && !errors.Is(err, errInvalidCount) {
		return 0, fmt.Errorf("state: read count: %w", err)
	}
	count, err = computeCount(db)
	if err != nil {
		return 0, err
	}
	if err := db.Set([]byte(metaCountKey), encodeCount(count), pebble.Sync); err != nil {
		return 0, fmt.Errorf("state: write count: %w", err)
	}
	return count, nil
}

func readCountMeta(db *pebble.DB) (int64, error) {
	value, closer, err := db.Get([]byte(metaCountKey))
	if err != nil {
		return 0, err
	}
	defer closer.Close()
	if len(value) != 8 {
		return 0, errInvalidCount
	}
	return int64(binary.BigEndian.Uint64(value)), nil
}

func computeCount(db *pebble.DB) (int64, error) {
	iter, err := db.NewIter(iterOptionsForPrefix(devicePrefix))
	if err != nil {
		return 0, fmt.Errorf("state: count iterator: %w", err)
	}
	defer iter.Close()
	count := int64(0)
	for iter.First(); iter.Valid(); iter.Next() {
		count++
	}
	if err := iter.Error(); err != nil {
		return 0, fmt.Errorf("state: count iterate: %w", err)
	}
	return count, nil
}

func deviceKeyBytes(id string) []byte {
	return append([]byte(devicePrefix), id...)
}

func parseDeviceKey(key []byte) (string, bool) {
	prefix := []byte(devicePrefix)
	if len(key) <= len(prefix) || !bytes.HasPrefix(key, prefix) {
		return "", false
	}
	return string(key[len(prefix):]), true
}

func updatedKeyBytes(taken int64, id string) []byte {
	buf := make([]byte, len(updatedPrefix)+8+len(id))
	copy(buf, updatedPrefix)
	binary.BigEndian.PutUint64(buf[len(updatedPrefix):], uint64(taken))
	copy(buf[len(updatedPrefix)+8:], id)
	return buf
}

func parseUpdatedKey(key []byte) (int64, string, bool) {
	prefix := []byte(updatedPrefix)
	if len(key) <= len(prefix)+8 {
		return 0, "", false
	}
	if !bytes.HasPrefix(key, prefix) {
		return 0, "", false
	}
	ts := int64(binary.BigEndian.Uint64(key[len(prefix):]))
	id := string(key[len(prefix)+8:])
	if id == "" {
		return 0, "", false
	}
	return ts, id, true
}

func iterOptionsForPrefix(prefix string) *pebble.IterOptions {
	lower := []byte(prefix)
	upper := prefixUpperBound(lower)
	return &pebble.IterOptions{LowerBound: lower, UpperBound: upper}
}

func prefixUpperBound(prefix []byte) []byte {
	if len(prefix) == 0 {
		return nil
	}
	upper := make([]byte, len(prefix))
	copy(upper, prefix)
	for i := len(upper) - 1; i >= 0; i-- {
		if upper[i] != 0xFF {
			upper[i]++
			return upper[:i+1]
		}
	}
	return nil
}
