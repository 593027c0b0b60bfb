package ticketnumber

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	mrand "math/rand"
	"sync"
)

const (
	defaultPrefix = "TK"
	yearlyMin     = 10000
	yearlyMax     = 99999
)

// Yearly generator: PREFIX-YYYY-NNNNN with NNNNN drawn uniformly from 10000..99999.
// Collisions are resolved by Unique.
type Yearly struct {
	prefix string
	clock  Clock
	mu     sync.Mutex
	src    *mrand.Rand
}

// NewYearly builds a generator. A zero seed draws one from crypto/rand.
func NewYearly(prefix string, clk Clock, seed int64) *Yearly {
	if prefix == "" {
		prefix = defaultPrefix
	}
	if clk == nil {
		clk = realClock{}
	}
	if seed == 0 {
		var b [8]byte
		_, _ = rand.Read(b[:])
		seed = int64(binary.LittleEndian.Uint64(b[:]))
	}
	return &Yearly{prefix: prefix, clock: clk, src: mrand.New(mrand.NewSource(seed))}
}

func (g *Yearly) Name() string { return "Yearly" }

func (g *Yearly) Next(_ context.Context) (string, error) {
	g.mu.Lock()
	n := yearlyMin + g.src.Intn(yearlyMax-yearlyMin+1)
	g.mu.Unlock()
	return fmt.Sprintf("%s-%04d-%05d", g.prefix, g.clock.Now().Year(), n), nil
}
