// Package snowflake generates 63-bit, time-ordered message ids.
//
// Layout: 41 bits of milliseconds since the epoch, 10 bits of node id and
// 12 bits of per-millisecond sequence. Ids from one generator are strictly
// increasing, so sorting by id sorts by creation time.
package snowflake

import (
	"fmt"
	"sync"
	"time"
)

const (
	nodeBits  = 10
	stepBits  = 12
	MaxNode   = -1 ^ (-1 << nodeBits)
	stepMask  = -1 ^ (-1 << stepBits)
	timeShift = nodeBits + stepBits
	nodeShift = stepBits

	// Epoch is 2024-01-01 00:00:00 UTC in milliseconds.
	Epoch int64 = 1704067200000
)

type Generator struct {
	mu   sync.Mutex
	last int64
	node int64
	step int64
	now  func() int64
}

func New(node int64) (*Generator, error) {
	if node < 0 || node > MaxNode {
		return nil, fmt.Errorf("snowflake: node id %d out of range [0, %d]", node, MaxNode)
	}
	return &Generator{
		node: node,
		now:  func() int64 { return time.Now().UnixMilli() },
	}, nil
}

// Next returns the next id. If the wall clock moves backwards the generator
// keeps using the last observed millisecond instead of going back in time.
func (g *Generator) Next() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	if now < g.last {
		now = g.last
	}

	if now == g.last {
		g.step = (g.step + 1) & stepMask
		if g.step == 0 {
			for now <= g.last {
				now = g.now()
			}
		}
	} else {
		g.step = 0
	}
	g.last = now

	return ((now - Epoch) << timeShift) | (g.node << nodeShift) | g.step
}

// Time extracts the creation time encoded in an id.
func Time(id int64) time.Time {
	return time.UnixMilli((id >> timeShift) + Epoch)
}

// Node extracts the node id encoded in an id.
func Node(id int64) int64 {
	return (id >> nodeShift) & MaxNode
}
