package snowflake

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

const (
	// Epoch is 2024-01-01T00:00:00Z in milliseconds. Ids stay positive for ~69 years after it.
	Epoch int64 = 1704067200000

	// NodeBits and StepBits share the 22 low bits.
	NodeBits uint8 = 10
	StepBits uint8 = 12

	MaxNode = -1 ^ (-1 << NodeBits)

	stepMask  = -1 ^ (-1 << StepBits)
	timeShift = NodeBits + StepBits
	nodeShift = StepBits

	// maxBackwardsDrift is how far the wall clock may jump back before Generate gives up.
	maxBackwardsDrift = 5 * time.Millisecond
)

var (
	ErrInvalidNode         = fmt.Errorf("node id must be between 0 and %d", MaxNode)
	ErrClockMovedBackwards = errors.New("clock moved backwards")
)

// Node generates unique, time-ordered 63-bit ids for one process.
type Node struct {
	mu   sync.Mutex
	node int64
	last int64
	step int64
	now  func() int64
}

// NewNode creates a generator for the given node id.
func NewNode(node int64) (*Node, error) {
	if node < 0 || node > MaxNode {
		return nil, ErrInvalidNode
	}
	return &Node{
		node: node,
		now:  func() int64 { return time.Now().UnixMilli() },
	}, nil
}

// Generate returns the next id. It waits out small clock regressions and
// fails on larger ones rather than risk a duplicate.
func (n *Node) Generate() (int64, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	now := n.now()
	if now < n.last {
		if time.Duration(n.last-now)*time.Millisecond > maxBackwardsDrift {
			return 0, fmt.Errorf("%w: %dms", ErrClockMovedBackwards, n.last-now)
		}
		for now < n.last {
			now = n.now()
		}
	}

	if now == n.last {
		n.step = (n.step + 1) & stepMask
		if n.step == 0 {
			for now <= n.last {
				now = n.now()
			}
		}
	} else {
		n.step = 0
	}
	n.last = now

	return (now-Epoch)<<timeShift | n.node<<nodeShift | n.step, nil
}

// ID is a decomposed id.
type ID struct {
	Millis int64
	Node   int64
	Step   int64
}

// Parse splits id into its parts.
func Parse(id int64) ID {
	return ID{
		Millis: (id >> timeShift) + Epoch,
		Node:   (id >> nodeShift) & MaxNode,
		Step:   id & stepMask,
	}
}

// Time returns when the id was generated.
func (id ID) Time() time.Time {
	return time.UnixMilli(id.Millis)
}
