package kafka

import (
	"cmp"
	"slices"
	"sync"

	"github.com/segmentio/kafka-go"
)

// offsetTracker follows delivered messages per partition and finds the
// message to commit once a prefix of them is acknowledged. Kafka commits
// are positional, so an offset is only committed when every message
// before it was acknowledged too.
type offsetTracker struct {
	mu         sync.Mutex
	partitions map[int]*partitionOffsets
	// window caps the uncommitted messages held per partition. Zero means
	// no cap.
	window int
}

type partitionOffsets struct {
	// delivered holds unresolved messages in offset order.
	delivered []kafka.Message
	acked     map[int64]bool
}

func newOffsetTracker(window int) *offsetTracker {
	return &offsetTracker{partitions: make(map[int]*partitionOffsets), window: max(window, 0)}
}

// deliver records msg as handed out. A message at or below the newest
// tracked offset means the reader rewound after a rebalance, and the
// partition starts over.
func (t *offsetTracker) deliver(msg kafka.Message) {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.partitions[msg.Partition]
	if !ok || (len(p.delivered) > 0 && msg.Offset <= p.delivered[len(p.delivered)-1].Offset) {
		p = &partitionOffsets{acked: make(map[int64]bool)}
		t.partitions[msg.Partition] = p
	}
	p.delivered = append(p.delivered, msg)
}

// ack marks the message at partition/offset acknowledged. It returns the
// last message of the newly completed prefix, if any.
func (t *offsetTracker) ack(partition int, offset int64) (kafka.Message, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.partitions[partition]
	if !ok {
		return kafka.Message{}, false
	}
	if _, found := slices.BinarySearchFunc(p.delivered, offset, func(m kafka.Message, o int64) int {
		return cmp.Compare(m.Offset, o)
	}); !found || p.acked[offset] {
		return kafka.Message{}, false
	}
	p.acked[offset] = true

	n := 0
	for n < len(p.delivered) && p.acked[p.delivered[n].Offset] {
		delete(p.acked, p.delivered[n].Offset)
		n++
	}
	if n == 0 {
		return kafka.Message{}, false
	}

	last := p.delivered[n-1]
	p.delivered = p.delivered[n:]
	return last, true
}

// pending reports how many delivered messages of partition are not yet
// committed.
func (t *offsetTracker) pending(partition int) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	if p, ok := t.partitions[partition]; ok {
		return len(p.delivered)
	}
	return 0
}

// stalled reports a partition whose uncommitted window is full, with the
// offset blocking its commits. Kafka does not redeliver a message that was
// never acknowledged, so a full window only drains once that offset is
// acknowledged or the reader restarts from the last commit.
func (t *offsetTracker) stalled() (partition int, head int64, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.window == 0 {
		return 0, 0, false
	}
	for id, p := range t.partitions {
		if len(p.delivered) >= t.window {
			return id, p.delivered[0].Offset, true
		}
	}
	return 0, 0, false
}
