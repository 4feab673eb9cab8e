package queue

import (
	"context"
	"slices"
	"sync"
	"time"
)

// CommitFunc commits everything up to and including offset on one partition.
type CommitFunc func(ctx context.Context, topic string, partition int, offset int64) error

// Sequencer hands out messages whose acks commit in fetch order per partition. A message acked
// early is held back until every message fetched before it on the same partition is acked too, so
// a commit never skips work still in flight.
type Sequencer struct {
	commit CommitFunc

	mu         sync.Mutex
	partitions map[topicPartition]*partitionState
}

type topicPartition struct {
	topic     string
	partition int
}

type partitionState struct {
	// pending holds fetched offsets not yet committed, oldest first.
	pending []int64
	done    map[int64]bool
}

func NewSequencer(commit CommitFunc) *Sequencer {
	return &Sequencer{commit: commit, partitions: make(map[topicPartition]*partitionState)}
}

// Message registers a fetched record and returns it with an ack bound to the sequencer.
func (s *Sequencer) Message(topic string, partition int, offset int64, key, value []byte, ts time.Time) Message {
	tp := topicPartition{topic: topic, partition: partition}

	s.mu.Lock()
	ps := s.partitions[tp]
	if ps == nil {
		ps = &partitionState{done: make(map[int64]bool)}
		s.partitions[tp] = ps
	}
	// A rebalance can rewind the partition to the committed offset.
	if n := len(ps.pending); n > 0 && offset <= ps.pending[n-1] {
		keep := ps.pending[:0]
		for _, o := range ps.pending {
			if o < offset {
				keep = append(keep, o)
			} else {
				delete(ps.done, o)
			}
		}
		ps.pending = keep
	}
	ps.pending = append(ps.pending, offset)
	s.mu.Unlock()

	return Message{
		Topic:     topic,
		Partition: partition,
		Offset:    offset,
		Key:       key,
		Value:     value,
		Timestamp: ts,
		ack:       func(ctx context.Context) error { return s.ack(ctx, tp, offset) },
	}
}

// ack marks offset handled and commits the longest handled prefix of the partition, if any. The
// commit runs under the lock so commits on a partition never go backwards.
func (s *Sequencer) ack(ctx context.Context, tp topicPartition, offset int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ps := s.partitions[tp]
	if ps == nil || !slices.Contains(ps.pending, offset) {
		// Dropped by a rewind; the redelivered copy commits it.
		return nil
	}
	ps.done[offset] = true

	last, n := int64(-1), 0
	for _, o := range ps.pending {
		if !ps.done[o] {
			break
		}
		last = o
		n++
	}
	if n == 0 {
		return nil
	}
	for _, o := range ps.pending[:n] {
		delete(ps.done, o)
	}
	ps.pending = append(ps.pending[:0], ps.pending[n:]...)
	return s.commit(ctx, tp.topic, tp.partition, last)
}
