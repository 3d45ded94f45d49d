package parinvoke

import (
	crand "crypto/rand"
	"encoding/binary"
	"math/rand/v2"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"
)

// SeedSequence is a reproducible, hierarchical random seed. Children share the
// parent's entropy and extend its spawn key, so the same root and the same
// derivation order always yield the same child seeds, while distinct children
// never collide.
type SeedSequence struct {
	Entropy  []uint64 `msgpack:"entropy"`
	SpawnKey []uint32 `msgpack:"spawn_key"`

	spawned atomic.Uint32
}

// NewSeedSequence creates a root sequence from explicit entropy words.
func NewSeedSequence(entropy ...uint64) *SeedSequence {
	return &SeedSequence{Entropy: slices.Clone(entropy)}
}

// randomSeedSequence draws 128 bits of entropy from the OS.
func randomSeedSequence() *SeedSequence {
	var b [16]byte
	_, _ = crand.Read(b[:])
	return NewSeedSequence(binary.LittleEndian.Uint64(b[:8]), binary.LittleEndian.Uint64(b[8:]))
}

func (s *SeedSequence) child(key uint32) *SeedSequence {
	spawnKey := make([]uint32, len(s.SpawnKey), len(s.SpawnKey)+1)
	copy(spawnKey, s.SpawnKey)
	return &SeedSequence{
		Entropy:  slices.Clone(s.Entropy),
		SpawnKey: append(spawnKey, key),
	}
}

// Spawn returns n new children and advances the spawn counter.
func (s *SeedSequence) Spawn(n int) []*SeedSequence {
	kids := make([]*SeedSequence, n)
	for i := range kids {
		kids[i] = s.child(s.spawned.Add(1) - 1)
	}
	return kids
}

// ChildrenSpawned reports how many children Spawn has produced.
func (s *SeedSequence) ChildrenSpawned() uint32 {
	return s.spawned.Load()
}

// Derive returns the child keyed by a name. It does not advance the spawn
// counter, so deriving the same key twice gives the same seed.
func (s *SeedSequence) Derive(key string) *SeedSequence {
	return s.child(uint32(xxhash.Sum64String(key)))
}

// GenerateState mixes entropy and spawn key into n 64-bit words.
func (s *SeedSequence) GenerateState(n int) []uint64 {
	buf := make([]byte, 0, 8*len(s.Entropy)+4*len(s.SpawnKey)+8)
	for _, e := range s.Entropy {
		buf = binary.LittleEndian.AppendUint64(buf, e)
	}
	for _, k := range s.SpawnKey {
		buf = binary.LittleEndian.AppendUint32(buf, k)
	}
	prefix := len(buf)

	state := make([]uint64, n)
	for i := range state {
		buf = binary.LittleEndian.AppendUint64(buf[:prefix], uint64(i))
		state[i] = xxhash.Sum64(buf)
	}
	return state
}

// Rand returns a generator seeded from this sequence.
func (s *SeedSequence) Rand() *rand.Rand {
	st := s.GenerateState(2)
	return rand.New(rand.NewPCG(st[0], st[1]))
}

// Equal reports whether two sequences have the same entropy and spawn key.
func (s *SeedSequence) Equal(o *SeedSequence) bool {
	if s == nil || o == nil {
		return s == o
	}
	return slices.Equal(s.Entropy, o.Entropy) && slices.Equal(s.SpawnKey, o.SpawnKey)
}

var processSeed struct {
	mu   sync.Mutex
	root *SeedSequence
	rng  *rand.Rand
}

// RootSeed returns the process root seed, creating it on first use. In a parent
// it comes from PARINVOKE_SEED or OS entropy; in a worker it is the seed the
// parent derived for that worker.
func RootSeed() *SeedSequence {
	processSeed.mu.Lock()
	defer processSeed.mu.Unlock()
	return rootSeedLocked()
}

func rootSeedLocked() *SeedSequence {
	if processSeed.root == nil {
		seed, ok, err := DefaultConfig().seedOverride()
		switch {
		case err != nil:
			zap.L().Named("parinvoke").Warn("ignoring seed override", zap.Error(err))
			processSeed.root = randomSeedSequence()
		case ok:
			processSeed.root = NewSeedSequence(seed)
		default:
			processSeed.root = randomSeedSequence()
		}
	}
	return processSeed.root
}

// setRootSeed installs the process seed; used by worker bootstrap.
func setRootSeed(s *SeedSequence) {
	processSeed.mu.Lock()
	defer processSeed.mu.Unlock()
	processSeed.root = s
	processSeed.rng = nil
}

// DeriveSeed returns a seed derived from the root. With no keys it spawns the
// next child; with keys it derives a keyed child for each key in turn.
func DeriveSeed(keys ...string) *SeedSequence {
	processSeed.mu.Lock()
	defer processSeed.mu.Unlock()
	seed := rootSeedLocked()
	if len(keys) == 0 {
		return seed.Spawn(1)[0]
	}
	for _, k := range keys {
		seed = seed.Derive(k)
	}
	return seed
}

// Rand returns the process-wide generator seeded from RootSeed. It is not safe
// for concurrent use.
func Rand() *rand.Rand {
	processSeed.mu.Lock()
	defer processSeed.mu.Unlock()
	if processSeed.rng == nil {
		processSeed.rng = rootSeedLocked().Rand()
	}
	return processSeed.rng
}
