package storetest

import (
	crand "crypto/rand"
	"encoding/binary"
	"math/rand/v2"
	"os"
	"strconv"
	"testing"

	"github.com/google/uuid"

	"github.com/kode4food/timeline"
)

type generator struct {
	t   testing.TB
	src *rand.ChaCha8
	rng *rand.Rand
}

// SeedEnv names the environment variable that pins the seed of every
// generator, reproducing a failed run
const SeedEnv = "TIMELINE_TEST_SEED"

const (
	minPayloadSize = 20
	maxPayloadSize = 50
)

// newGenerator returns a generator owned by a single test. Generators are
// not safe for concurrent use; all random data is produced up front
func newGenerator(t testing.TB) *generator {
	t.Helper()
	seed := loadSeed(t)
	t.Logf("%s=%d", SeedEnv, seed)

	var key [32]byte
	binary.LittleEndian.PutUint64(key[:], seed)
	src := rand.NewChaCha8(key)
	return &generator{
		t:   t,
		src: src,
		rng: rand.New(src),
	}
}

func loadSeed(t testing.TB) uint64 {
	t.Helper()
	if str := os.Getenv(SeedEnv); str != "" {
		seed, err := strconv.ParseUint(str, 10, 64)
		if err != nil {
			t.Fatalf("parse %s: %v", SeedEnv, err)
		}
		return seed
	}

	var b [8]byte
	if _, err := crand.Read(b[:]); err != nil {
		t.Fatalf("read random seed: %v", err)
	}
	return binary.LittleEndian.Uint64(b[:])
}

func (g *generator) payload() []byte {
	res := make([]byte, minPayloadSize+g.rng.IntN(maxPayloadSize-minPayloadSize))
	_, _ = g.src.Read(res)
	return res
}

func (g *generator) id() uuid.UUID {
	res, err := uuid.NewRandomFromReader(g.src)
	if err != nil {
		g.t.Fatalf("generate uuid: %v", err)
	}
	return res
}

func (g *generator) key(typeName string) timeline.EntityKey {
	return timeline.NewEntityKey(typeName, g.id())
}

// steps builds steps from a pattern of 'E' (event) and 'S' (snapshot)
func (g *generator) steps(pattern string) []Step {
	res := make([]Step, 0, len(pattern))
	for _, c := range pattern {
		switch c {
		case 'E':
			res = append(res, Step{Data: g.payload()})
		case 'S':
			res = append(res, Step{Data: g.payload(), Snapshot: true})
		default:
			g.t.Fatalf("unknown step %q in pattern %q", c, pattern)
		}
	}
	return res
}
