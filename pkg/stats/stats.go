package stats

import (
	"hash/fnv"
	"strconv"
	"sync"
	"time"

	"GoSniffy/pkg/meta"
)

const defaultShardCount = 64

// Shard is one partition of the key space, guarded by its own lock.
type Shard struct {
	Accumulators map[meta.Key]*Accumulator
	Mu           sync.RWMutex
}

// Record is one key with its totals, as exported in a snapshot.
type Record struct {
	Key    meta.Key
	Totals Totals
}

// SnapshotData is a deep copy of every shard at one instant.
type SnapshotData struct {
	Name   string
	Taken  time.Time
	Shards [][]Record
}

// Stats maps metadata keys to accumulators using a sharded map, and keeps
// global and per-thread totals alongside.
type Stats struct {
	name       string
	shards     []*Shard
	shardCount uint32

	global Accumulator

	threadsMu sync.RWMutex
	threads   map[uint64]*Accumulator
}

// New creates a stats store. A numShards outside (0, 32768) selects the default.
func New(name string, numShards int) *Stats {
	if numShards <= 0 || numShards >= 32768 {
		numShards = defaultShardCount
	}
	s := &Stats{
		name:       name,
		shards:     make([]*Shard, numShards),
		shardCount: uint32(numShards),
		threads:    make(map[uint64]*Accumulator),
	}
	for i := range s.shards {
		s.shards[i] = &Shard{Accumulators: make(map[meta.Key]*Accumulator)}
	}
	return s
}

func (s *Stats) Name() string { return s.name }

// getShard selects the shard for a key.
func (s *Stats) getShard(key meta.Key) *Shard {
	hasher := fnv.New32a()
	hasher.Write([]byte(key.Target.Host))
	hasher.Write([]byte(strconv.Itoa(key.Target.Port)))
	hasher.Write([]byte(key.Target.URL))
	hasher.Write([]byte(key.Target.Principal))
	hasher.Write([]byte(strconv.FormatInt(key.ConnID, 10)))
	hasher.Write([]byte(key.Trace))
	hasher.Write([]byte(strconv.FormatUint(key.Thread.ID, 10)))
	return s.shards[hasher.Sum32()%s.shardCount]
}

// accumulator returns the single accumulator for key, creating it on first
// use. Concurrent creators all observe the instance inserted first.
func (s *Stats) accumulator(key meta.Key) *Accumulator {
	shard := s.getShard(key)
	shard.Mu.RLock()
	acc, ok := shard.Accumulators[key]
	shard.Mu.RUnlock()
	if ok {
		return acc
	}

	shard.Mu.Lock()
	defer shard.Mu.Unlock()
	if acc, ok = shard.Accumulators[key]; ok {
		return acc
	}
	acc = &Accumulator{}
	shard.Accumulators[key] = acc
	return acc
}

func (s *Stats) threadAccumulator(id uint64) *Accumulator {
	s.threadsMu.RLock()
	acc, ok := s.threads[id]
	s.threadsMu.RUnlock()
	if ok {
		return acc
	}

	s.threadsMu.Lock()
	defer s.threadsMu.Unlock()
	if acc, ok = s.threads[id]; ok {
		return acc
	}
	acc = &Accumulator{}
	s.threads[id] = acc
	return acc
}

// Record adds one operation to the key's accumulator, the global totals, and
// the totals of the key's thread when present.
func (s *Stats) Record(key meta.Key, sample Sample) {
	s.accumulator(key).Add(sample)
	s.global.Add(sample)
	if key.Thread.ID != 0 {
		s.threadAccumulator(key.Thread.ID).Add(sample)
	}
}

// Snapshot returns the totals recorded for exactly this key.
func (s *Stats) Snapshot(key meta.Key) Totals {
	shard := s.getShard(key)
	shard.Mu.RLock()
	acc, ok := shard.Accumulators[key]
	shard.Mu.RUnlock()
	if !ok {
		return Totals{}
	}
	return acc.Totals()
}

// Global returns the totals across every key.
func (s *Stats) Global() Totals {
	return s.global.Totals()
}

// Thread returns the totals attributed to one thread ID. ID 0 is never tracked.
func (s *Stats) Thread(id uint64) Totals {
	if id == 0 {
		return Totals{}
	}
	s.threadsMu.RLock()
	acc, ok := s.threads[id]
	s.threadsMu.RUnlock()
	if !ok {
		return Totals{}
	}
	return acc.Totals()
}

// Len returns the number of distinct keys.
func (s *Stats) Len() int {
	n := 0
	for _, shard := range s.shards {
		shard.Mu.RLock()
		n += len(shard.Accumulators)
		shard.Mu.RUnlock()
	}
	return n
}

// Export returns a deep copy of the current per-key totals. Concurrent
// recording stays safe; each shard is copied under its read lock.
func (s *Stats) Export() SnapshotData {
	snapshotShards := make([][]Record, s.shardCount)
	var wg sync.WaitGroup
	wg.Add(int(s.shardCount))

	for i := 0; i < int(s.shardCount); i++ {
		go func(i int) {
			defer wg.Done()

			shard := s.shards[i]
			shard.Mu.RLock()
			records := make([]Record, 0, len(shard.Accumulators))
			for k, acc := range shard.Accumulators {
				records = append(records, Record{Key: k, Totals: acc.Totals()})
			}
			shard.Mu.RUnlock()

			snapshotShards[i] = records
		}(i)
	}

	wg.Wait()

	return SnapshotData{
		Name:   s.name,
		Taken:  time.Now(),
		Shards: snapshotShards,
	}
}

// All flattens Export into a map.
func (s *Stats) All() map[meta.Key]Totals {
	data := s.Export()
	out := make(map[meta.Key]Totals)
	for _, shard := range data.Shards {
		for _, r := range shard {
			out[r.Key] = r.Totals
		}
	}
	return out
}

// Reset drops every key and zeroes the global and per-thread totals.
func (s *Stats) Reset() {
	var wg sync.WaitGroup
	wg.Add(int(s.shardCount))
	for i := 0; i < int(s.shardCount); i++ {
		go func(i int) {
			defer wg.Done()
			shard := s.shards[i]
			shard.Mu.Lock()
			shard.Accumulators = make(map[meta.Key]*Accumulator)
			shard.Mu.Unlock()
		}(i)
	}
	wg.Wait()

	s.threadsMu.Lock()
	s.threads = make(map[uint64]*Accumulator)
	s.threadsMu.Unlock()
	s.global.reset()
}
