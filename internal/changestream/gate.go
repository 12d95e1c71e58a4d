package changestream

import (
	"fmt"
	"sync"

	"github.com/twmb/franz-go/pkg/kgo"
)

// ackGate enforces the ordering contract: events are delivered oldest first
// and acknowledged strictly in delivery order. Acking sequence N while N-1
// is still pending is a caller bug, not something to paper over.
type ackGate struct {
	mu      sync.Mutex
	pending []pendingRecord
}

type pendingRecord struct {
	seq int64
	rec *kgo.Record
}

func (g *ackGate) deliver(seq int64, rec *kgo.Record) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pending = append(g.pending, pendingRecord{seq: seq, rec: rec})
}

// ack removes and returns the oldest pending record, which must carry seq.
func (g *ackGate) ack(seq int64) (*kgo.Record, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.pending) == 0 {
		return nil, fmt.Errorf("%w: ack of %d with nothing pending", ErrOutOfOrderAck, seq)
	}
	if g.pending[0].seq != seq {
		return nil, fmt.Errorf("%w: ack of %d while %d is oldest pending", ErrOutOfOrderAck, seq, g.pending[0].seq)
	}
	rec := g.pending[0].rec
	g.pending = g.pending[1:]
	return rec, nil
}

func (g *ackGate) depth() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.pending)
}
