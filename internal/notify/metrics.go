package notify

import "sync"

// Metrics is the sink the pipeline reports into. Inject a real exporter
// in production or keep the default in-memory counters.
type Metrics interface {
	IncAccepted(kind Kind)
	IncDelivered(kind Kind)
	IncBlocked(kind Kind, reason BlockReason)
	IncRetried(kind Kind)
	IncFailed(kind Kind)
}

// Counters is the default Metrics: plain counters behind one mutex with a
// copy-out snapshot.
type Counters struct {
	mu        sync.Mutex
	accepted  map[Kind]uint64
	delivered map[Kind]uint64
	blocked   map[Kind]map[BlockReason]uint64
	retried   map[Kind]uint64
	failed    map[Kind]uint64
}

func NewCounters() *Counters {
	return &Counters{
		accepted:  map[Kind]uint64{},
		delivered: map[Kind]uint64{},
		blocked:   map[Kind]map[BlockReason]uint64{},
		retried:   map[Kind]uint64{},
		failed:    map[Kind]uint64{},
	}
}

func (c *Counters) IncAccepted(kind Kind) {
	c.mu.Lock()
	c.accepted[kind]++
	c.mu.Unlock()
}

func (c *Counters) IncDelivered(kind Kind) {
	c.mu.Lock()
	c.delivered[kind]++
	c.mu.Unlock()
}

func (c *Counters) IncBlocked(kind Kind, reason BlockReason) {
	c.mu.Lock()
	m, ok := c.blocked[kind]
	if !ok {
		m = map[BlockReason]uint64{}
		c.blocked[kind] = m
	}
	m[reason]++
	c.mu.Unlock()
}

func (c *Counters) IncRetried(kind Kind) {
	c.mu.Lock()
	c.retried[kind]++
	c.mu.Unlock()
}

func (c *Counters) IncFailed(kind Kind) {
	c.mu.Lock()
	c.failed[kind]++
	c.mu.Unlock()
}

// Snapshot is a point-in-time copy of every counter.
type Snapshot struct {
	Accepted  map[Kind]uint64
	Delivered map[Kind]uint64
	Blocked   map[Kind]map[BlockReason]uint64
	Retried   map[Kind]uint64
	Failed    map[Kind]uint64
}

func (c *Counters) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Snapshot{
		Accepted:  make(map[Kind]uint64, len(c.accepted)),
		Delivered: make(map[Kind]uint64, len(c.delivered)),
		Blocked:   make(map[Kind]map[BlockReason]uint64, len(c.blocked)),
		Retried:   make(map[Kind]uint64, len(c.retried)),
		Failed:    make(map[Kind]uint64, len(c.failed)),
	}
	for k, v := range c.accepted {
		s.Accepted[k] = v
	}
	for k, v := range c.delivered {
		s.Delivered[k] = v
	}
	for k, m := range c.blocked {
		cp := make(map[BlockReason]uint64, len(m))
		for r, v := range m {
			cp[r] = v
		}
		s.Blocked[k] = cp
	}
	for k, v := range c.retried {
		s.Retried[k] = v
	}
	for k, v := range c.failed {
		s.Failed[k] = v
	}
	return s
}
