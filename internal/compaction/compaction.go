// Package compaction implements the two cooperating background loops that
// keep a collection's disk-segment stack within its tiered budget: a
// mem-flush loop that persists a frozen imm segment to a new level-0 disk
// segment, and a tiered-merge loop that folds adjacent same-level segments
// into the next level.
//
// The package depends only on narrow Store/Segment interfaces rather than
// the root vectorbase package, so the Collection (which owns the actual
// mem/imm/disk stack) can implement Store without an import cycle.
package compaction

import (
	"sort"
	"sync"

	"go.uber.org/zap"
)

// LevelFileCaps is the per-level file-count cap of the tiered compaction
// schedule.
var LevelFileCaps = [5]int{2, 2, 2, 2, 1}

// LevelMergeFanIn is the per-level merge fan-in of the tiered compaction
// schedule.
var LevelMergeFanIn = [5]int{2, 2, 2, 2, 2}

// MaxLevel is the highest tiered-compaction level; merges promote segments
// to min(L+1, MaxLevel).
const MaxLevel = 4

// Segment is the narrow view compaction needs of one disk segment.
type Segment interface {
	Level() int
	FileSize() int64
	Wait()
}

// Store is the narrow view compaction needs of the owning collection.
type Store interface {
	// FlushImm persists the current imm segment, if any, into a new
	// level-0 disk segment and publishes it into the disk stack. It is a
	// no-op when there is no imm segment.
	FlushImm() error

	// Segments returns a snapshot of the current disk-segment stack.
	Segments() []Segment

	// MergeLevel merges segments (all at the given level) into one new
	// segment at the next level, swaps the stack, and removes the old
	// segments' files once their readers have drained.
	MergeLevel(level int, segments []Segment) error
}

type flushRequest struct {
	ack chan error
}

type pauseRequest struct {
	ack chan struct{}
}

// Coordinator runs the mem-flush and tiered-merge loops over a Store.
type Coordinator struct {
	store Store
	log   *zap.Logger

	flushCh chan flushRequest
	pauseCh chan pauseRequest
	closeCh chan struct{}
	done    sync.WaitGroup
}

// New starts a Coordinator's two background loops.
func New(store Store, log *zap.Logger) *Coordinator {
	c := &Coordinator{
		store:   store,
		log:     log,
		flushCh: make(chan flushRequest, 1),
		pauseCh: make(chan pauseRequest),
		closeCh: make(chan struct{}),
	}
	c.done.Add(2)
	go c.flushLoop()
	go c.mergeLoop()
	return c
}

// FlushImm asks the flush loop to persist the current imm segment and
// blocks until it acknowledges.
func (c *Coordinator) FlushImm() error {
	ack := make(chan error, 1)
	c.flushCh <- flushRequest{ack: ack}
	return <-ack
}

// FlushImmAsync fires a flush request without waiting for it to complete
// (the Collection's fire-and-forget `FlushImm(None)` after swapping mem and
// imm). If one is already queued, this is a no-op: the queued request will
// observe the latest imm when it runs.
func (c *Coordinator) FlushImmAsync() {
	select {
	case c.flushCh <- flushRequest{}:
	default:
	}
}

// Close drains both loops and waits for them to exit. An in-flight merge
// finishes before Close returns.
func (c *Coordinator) Close() {
	close(c.closeCh)
	c.done.Wait()
}

func (c *Coordinator) flushLoop() {
	defer c.done.Done()
	for {
		select {
		case req := <-c.flushCh:
			err := c.store.FlushImm()
			if err != nil && c.log != nil {
				c.log.Error("flush imm to disk", zap.Error(err))
			}
			if req.ack != nil {
				req.ack <- err
			}
			c.signalMerge()
		case <-c.closeCh:
			return
		}
	}
}

// signalMerge rendezvous with the merge loop so a disk-stack mutation from
// the flush path never races with the merge loop's own stack mutation.
func (c *Coordinator) signalMerge() {
	ack := make(chan struct{})
	select {
	case c.pauseCh <- pauseRequest{ack: ack}:
		<-ack
	case <-c.closeCh:
	}
}

func (c *Coordinator) mergeLoop() {
	defer c.done.Done()
	for {
		level, segs, ok := c.nextMergeCandidate()
		if !ok {
			select {
			case req := <-c.pauseCh:
				close(req.ack)
			case <-c.closeCh:
				return
			}
			continue
		}

		if err := c.store.MergeLevel(level, segs); err != nil {
			if c.log != nil {
				c.log.Error("merge level", zap.Int("level", level), zap.Error(err))
			}
			// Retry on the next tick rather than spinning on a merge that
			// keeps failing.
			select {
			case req := <-c.pauseCh:
				close(req.ack)
			case <-c.closeCh:
				return
			}
			continue
		}

		select {
		case req := <-c.pauseCh:
			close(req.ack)
		case <-c.closeCh:
			return
		default:
		}
	}
}

// nextMergeCandidate finds the lowest level whose segment count exceeds its
// cap and returns its merge_fan_in[L] smallest-by-bytes segments.
func (c *Coordinator) nextMergeCandidate() (level int, segs []Segment, ok bool) {
	byLevel := make(map[int][]Segment)
	for _, s := range c.store.Segments() {
		byLevel[s.Level()] = append(byLevel[s.Level()], s)
	}
	for l := 0; l <= MaxLevel; l++ {
		segs := byLevel[l]
		if len(segs) <= LevelFileCaps[l] {
			continue
		}
		sort.Slice(segs, func(i, j int) bool { return segs[i].FileSize() < segs[j].FileSize() })
		fanIn := LevelMergeFanIn[l]
		if fanIn > len(segs) {
			fanIn = len(segs)
		}
		return l, segs[:fanIn], true
	}
	return 0, nil, false
}
