package dtp

import "sync"

// Scheduler orders PDUs competing for the same egress path when more
// than one is ready to send (spec.md §9's `IpcpSchedWrr`/`IpcpSchedPfifo`
// pair). Pick removes and returns the next entry's flow-local token; the
// zero value of a token type is never a valid pick, so callers use the
// ok bool.
type Scheduler interface {
	// Enqueue marks one PDU of the given QoS class ready to send for
	// token (typically a CEP id or port id).
	Enqueue(qosID uint8, token int)
	// Pick removes and returns the next token to send, per the
	// scheduler's discipline. ok is false when nothing is queued.
	Pick() (token int, ok bool)
	// Len reports the number of PDUs currently queued across all
	// classes.
	Len() int
}

// pfifoEntry is one queued token in class-blind FIFO order.
type pfifoEntry struct {
	token int
}

// PFIFO is a single first-in-first-out queue spanning every QoS class:
// the default discipline, matching plain FIFO IPCP forwarding.
type PFIFO struct {
	mu sync.Mutex
	q  []pfifoEntry
}

// NewPFIFO returns an empty plain-FIFO scheduler.
func NewPFIFO() *PFIFO {
	return &PFIFO{}
}

func (p *PFIFO) Enqueue(_ uint8, token int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.q = append(p.q, pfifoEntry{token: token})
}

func (p *PFIFO) Pick() (int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.q) == 0 {
		return 0, false
	}
	e := p.q[0]
	p.q = p.q[1:]
	return e.token, true
}

func (p *PFIFO) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.q)
}

// WRR is a weighted round-robin scheduler across QoS classes: each class
// has its own FIFO queue and a weight, and Pick walks the class order
// giving each class up to `weight` consecutive picks (deficit-free
// interleaving, per spec.md's "the original lets a normal IPCP's egress
// scheduler be switched ... to weighted round-robin across QoS classes").
// A class with no configured weight defaults to 1.
type WRR struct {
	mu       sync.Mutex
	weights  map[uint8]int
	queues   map[uint8][]int
	order    []uint8 // stable class visitation order, first-seen
	cursor   int     // index into order of the class to serve next
	credit   int     // remaining picks owed to order[cursor] this turn
}

// NewWRR returns a weighted round-robin scheduler using weights (QoS
// class ID -> positive integer weight). With a nil or empty map every
// class has weight 1, so classes are served one pick each in turn (not
// in arrival order as PFIFO does).
func NewWRR(weights map[uint8]int) *WRR {
	w := make(map[uint8]int, len(weights))
	for k, v := range weights {
		if v > 0 {
			w[k] = v
		}
	}
	return &WRR{weights: w, queues: make(map[uint8][]int)}
}

func (w *WRR) weightFor(qosID uint8) int {
	if n, ok := w.weights[qosID]; ok {
		return n
	}
	return 1
}

func (w *WRR) Enqueue(qosID uint8, token int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.queues[qosID]; !ok {
		w.order = append(w.order, qosID)
	}
	w.queues[qosID] = append(w.queues[qosID], token)
}

func (w *WRR) Pick() (int, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.order) == 0 {
		return 0, false
	}
	for tries := 0; tries < len(w.order); tries++ {
		cls := w.order[w.cursor]
		if w.credit <= 0 {
			w.credit = w.weightFor(cls)
		}
		q := w.queues[cls]
		if len(q) == 0 {
			w.cursor = (w.cursor + 1) % len(w.order)
			w.credit = 0
			continue
		}
		token := q[0]
		w.queues[cls] = q[1:]
		w.credit--
		if w.credit <= 0 {
			w.cursor = (w.cursor + 1) % len(w.order)
		}
		return token, true
	}
	return 0, false
}

func (w *WRR) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := 0
	for _, q := range w.queues {
		n += len(q)
	}
	return n
}
