package gossip

import (
	"sync"
	"time"
)

// ActionKind enumerates the outcomes a Table operation can hand back to the
// engine. Exactly one of the Action's payload fields is meaningful for a
// given Kind; the rest are zero.
type ActionKind int

const (
	// ActionNoop means the event requires no outbound effect.
	ActionNoop ActionKind = iota
	// ActionGetRemainder means the engine should ask Holder for the full item.
	ActionGetRemainder
	// ActionAwaitingRemainder means a GetRequest is already outstanding for
	// this item; the engine answers the peer without issuing a new one.
	ActionAwaitingRemainder
	// ActionShouldGossip means the engine should forward the item to Count
	// peers not in Exclude.
	ActionShouldGossip
)

func (k ActionKind) String() string {
	switch k {
	case ActionNoop:
		return "Noop"
	case ActionGetRemainder:
		return "GetRemainder"
	case ActionAwaitingRemainder:
		return "AwaitingRemainder"
	case ActionShouldGossip:
		return "ShouldGossip"
	default:
		return "Unknown"
	}
}

// Action is the pure result of a Table operation. PeerId is the embedder's
// peer identifier type.
type Action[PeerId comparable] struct {
	Kind ActionKind

	// Holder is set for ActionGetRemainder: the peer to fetch the item from.
	Holder PeerId

	// Count and Exclude are set for ActionShouldGossip: how many peers to
	// forward to, and which peers must not be chosen.
	Count   int
	Exclude map[PeerId]struct{}
}

func noop[PeerId comparable]() Action[PeerId] {
	return Action[PeerId]{Kind: ActionNoop}
}

// entry is the per-item bookkeeping record described in §3 of the design.
type entry[PeerId comparable] struct {
	// holders preserves insertion order so GetRemainder fail-over can pick
	// the oldest-learned holder first.
	holders    []PeerId
	holdersSet map[PeerId]struct{}

	infectedByUs map[PeerId]struct{}
	weInfected   map[PeerId]struct{}

	inFlight map[PeerId]time.Time

	complete bool
	paused   bool

	firstSeen time.Time

	// finished marks a saturated entry; it lingers until finishedAt so late
	// Gossip arrivals get Noop instead of restarting forwarding.
	finished   bool
	finishedAt time.Time
}

func newEntry[PeerId comparable](now time.Time) *entry[PeerId] {
	return &entry[PeerId]{
		holdersSet:   make(map[PeerId]struct{}),
		infectedByUs: make(map[PeerId]struct{}),
		weInfected:   make(map[PeerId]struct{}),
		inFlight:     make(map[PeerId]time.Time),
		firstSeen:    now,
	}
}

func (e *entry[PeerId]) addHolder(p PeerId) {
	if _, ok := e.holdersSet[p]; ok {
		return
	}
	e.holdersSet[p] = struct{}{}
	e.holders = append(e.holders, p)
}

func (e *entry[PeerId]) removeHolder(p PeerId) {
	if _, ok := e.holdersSet[p]; !ok {
		return
	}
	delete(e.holdersSet, p)
	for i, h := range e.holders {
		if h == p {
			e.holders = append(e.holders[:i], e.holders[i+1:]...)
			break
		}
	}
}

// nextUnaskedHolder returns the oldest-learned holder that is not currently
// in flight, per the fail-over tie-break rule.
func (e *entry[PeerId]) nextUnaskedHolder() (PeerId, bool) {
	for _, h := range e.holders {
		if _, asked := e.inFlight[h]; !asked {
			return h, true
		}
	}
	var zero PeerId
	return zero, false
}

func (e *entry[PeerId]) infectedCount() int {
	return len(e.infectedByUs) + len(e.weInfected)
}

func (e *entry[PeerId]) excludeSet() map[PeerId]struct{} {
	excl := make(map[PeerId]struct{}, len(e.holdersSet)+len(e.infectedByUs)+len(e.weInfected)+len(e.inFlight))
	for p := range e.holdersSet {
		excl[p] = struct{}{}
	}
	for p := range e.infectedByUs {
		excl[p] = struct{}{}
	}
	for p := range e.weInfected {
		excl[p] = struct{}{}
	}
	for p := range e.inFlight {
		excl[p] = struct{}{}
	}
	return excl
}

// Table is the pure, non-blocking gossip bookkeeping structure: one record
// per tracked item id, mutated only through the operations below. It never
// performs I/O; every mutation returns an Action for the caller to execute.
type Table[Id, PeerId comparable] struct {
	cfg   Config
	clock Clock

	// idLess, if set, breaks first_seen ties on capacity eviction by
	// ascending id bytes as required by the eviction rule. It is optional;
	// without it, ties are broken by Go's randomized map iteration order,
	// so which tied entry is evicted is not reproducible.
	idLess func(a, b Id) bool

	mu      sync.Mutex
	entries map[Id]*entry[PeerId]
}

// NewTable constructs an empty Table. idLess may be nil.
func NewTable[Id, PeerId comparable](cfg Config, clock Clock, idLess func(a, b Id) bool) *Table[Id, PeerId] {
	if clock == nil {
		clock = SystemClock{}
	}
	return &Table[Id, PeerId]{
		cfg:     cfg.withDefaults(),
		clock:   clock,
		idLess:  idLess,
		entries: make(map[Id]*entry[PeerId]),
	}
}

// Len reports the number of tracked entries.
func (t *Table[Id, PeerId]) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// getOrCreate returns the entry for id, creating it (and evicting to stay
// within MaxItems) if absent. Returns the entry and whether it was created.
func (t *Table[Id, PeerId]) getOrCreate(id Id) (*entry[PeerId], bool) {
	if e, ok := t.entries[id]; ok {
		return e, false
	}
	t.evictForCapacity()
	e := newEntry[PeerId](t.clock.Now())
	t.entries[id] = e
	return e, true
}

// evictForCapacity removes the oldest-by-first_seen entry once the table is
// at MaxItems, so the new insertion stays within bound (invariant 5).
func (t *Table[Id, PeerId]) evictForCapacity() {
	if len(t.entries) < t.cfg.MaxItems {
		return
	}
	var oldestID Id
	var oldest *entry[PeerId]
	first := true
	for id, e := range t.entries {
		switch {
		case first:
			oldestID, oldest, first = id, e, false
		case e.firstSeen.Before(oldest.firstSeen):
			oldestID, oldest = id, e
		case e.firstSeen.Equal(oldest.firstSeen) && t.idLess != nil && t.idLess(id, oldestID):
			oldestID, oldest = id, e
		}
	}
	if !first {
		delete(t.entries, oldestID)
	}
}

// reapFinished deletes id if it finished more than FinishedEntryDuration ago.
// Called lazily on access so the table never needs a background sweep.
func (t *Table[Id, PeerId]) reapFinished(id Id, e *entry[PeerId]) bool {
	if e.finished && t.clock.Now().Sub(e.finishedAt) >= t.cfg.FinishedEntryDuration {
		delete(t.entries, id)
		return true
	}
	return false
}

// shouldGossipAction builds the ActionShouldGossip (or Noop) response for an
// item that just became complete, or just gained another confirmed
// infection, per the infection_target / paused rules shared by several
// operations.
func (t *Table[Id, PeerId]) shouldGossipAction(e *entry[PeerId]) Action[PeerId] {
	if e.paused {
		return noop[PeerId]()
	}
	remaining := t.cfg.InfectionTarget - e.infectedCount()
	if remaining <= 0 {
		return noop[PeerId]()
	}
	return Action[PeerId]{
		Kind:    ActionShouldGossip,
		Count:   remaining,
		Exclude: e.excludeSet(),
	}
}

// markFinishedIfSaturated transitions e to Finished once enough peers are
// confirmed infected, arming its lingering-deletion deadline.
func (t *Table[Id, PeerId]) markFinishedIfSaturated(e *entry[PeerId]) {
	if !e.finished && e.infectedCount() >= t.cfg.InfectionTarget {
		e.finished = true
		e.finishedAt = t.clock.Now()
	}
}

// NewPartialData handles an inbound Gossip(id) from sender while we do not
// yet hold the full item (§4.A.1).
func (t *Table[Id, PeerId]) NewPartialData(id Id, sender PeerId) Action[PeerId] {
	t.mu.Lock()
	defer t.mu.Unlock()

	if e, ok := t.entries[id]; ok {
		t.reapFinished(id, e)
	}

	e, _ := t.getOrCreate(id)
	if e.finished {
		return noop[PeerId]()
	}
	if e.complete {
		// Caller is responsible for routing complete items through
		// already_infected/already-held replies; NewPartialData is only
		// for items we don't hold yet.
		return noop[PeerId]()
	}

	e.addHolder(sender)

	if len(e.inFlight) > 0 {
		// Either sender itself, or some other holder, already has an
		// outstanding GetRequest for this id: suppress a second one.
		return Action[PeerId]{Kind: ActionAwaitingRemainder}
	}

	e.inFlight[sender] = t.clock.Now().Add(t.cfg.GetRemainderTimeout)
	return Action[PeerId]{Kind: ActionGetRemainder, Holder: sender}
}

// NewCompleteData handles the local holder now possessing the full item
// (§4.A.2). ok is false when the table has nothing to gossip (paused,
// target already reached, or the entry was already complete).
func (t *Table[Id, PeerId]) NewCompleteData(id Id, sender *PeerId) (Action[PeerId], bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, _ := t.getOrCreate(id)
	wasComplete := e.complete
	e.complete = true
	if sender != nil {
		delete(e.holdersSet, *sender)
		for i, h := range e.holders {
			if h == *sender {
				e.holders = append(e.holders[:i], e.holders[i+1:]...)
				break
			}
		}
		delete(e.inFlight, *sender)
		e.weInfected[*sender] = struct{}{}
	}

	t.markFinishedIfSaturated(e)
	if wasComplete {
		// L2: storing an item already held starts no second round.
		return noop[PeerId](), false
	}
	action := t.shouldGossipAction(e)
	if action.Kind == ActionNoop {
		return action, false
	}
	return action, true
}

// alreadyOrWeInfected is the shared body of already_infected / we_infected:
// both move peer out of in_flight into a credited-infection set and apply
// the same saturation/return policy.
func (t *Table[Id, PeerId]) alreadyOrWeInfected(id Id, peer PeerId, credit map[PeerId]struct{}) Action[PeerId] {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[id]
	if !ok {
		// ProtocolViolation: response for an id we no longer track.
		return noop[PeerId]()
	}
	delete(e.inFlight, peer)
	credit[peer] = struct{}{}

	t.markFinishedIfSaturated(e)
	return t.shouldGossipAction(e)
}

// AlreadyInfected handles GossipResponse{is_already_held: true} (§4.A.3).
func (t *Table[Id, PeerId]) AlreadyInfected(id Id, peer PeerId) Action[PeerId] {
	t.mu.Lock()
	e, ok := t.entries[id]
	t.mu.Unlock()
	if !ok {
		return noop[PeerId]()
	}
	return t.alreadyOrWeInfected(id, peer, e.infectedByUs)
}

// WeInfected handles an implicit GetRequest inferred from
// GossipResponse{is_already_held: false} (§4.A.4).
func (t *Table[Id, PeerId]) WeInfected(id Id, peer PeerId) Action[PeerId] {
	t.mu.Lock()
	e, ok := t.entries[id]
	t.mu.Unlock()
	if !ok {
		return noop[PeerId]()
	}
	return t.alreadyOrWeInfected(id, peer, e.weInfected)
}

// CheckTimeout handles a gossip-request deadline firing (§4.A.5).
func (t *Table[Id, PeerId]) CheckTimeout(id Id, peer PeerId) Action[PeerId] {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[id]
	if !ok {
		return noop[PeerId]()
	}
	if _, inFlight := e.inFlight[peer]; !inFlight {
		// peer already moved out of in_flight: idempotent Noop (L3).
		return noop[PeerId]()
	}
	delete(e.inFlight, peer)

	return t.shouldGossipAction(e)
}

// RemoveHolderIfUnresponsive handles a GetRequest timing out (§4.A.6).
func (t *Table[Id, PeerId]) RemoveHolderIfUnresponsive(id Id, peer PeerId) Action[PeerId] {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[id]
	if !ok {
		return noop[PeerId]()
	}
	e.removeHolder(peer)
	delete(e.inFlight, peer)

	if e.complete {
		t.markFinishedIfSaturated(e)
		return t.shouldGossipAction(e)
	}

	if next, found := e.nextUnaskedHolder(); found {
		e.inFlight[next] = t.clock.Now().Add(t.cfg.GetRemainderTimeout)
		return Action[PeerId]{Kind: ActionGetRemainder, Holder: next}
	}
	return noop[PeerId]()
}

// Pause idempotently marks id's entry paused (§4.A.7). Emits no action; the
// engine decides what, if anything, to do about the pause.
func (t *Table[Id, PeerId]) Pause(id Id) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, _ := t.getOrCreate(id)
	e.paused = true
}

// Snapshot returns a read-only view of id's bookkeeping, for diagnostics and
// tests. ok is false if id is not tracked.
type Snapshot[PeerId comparable] struct {
	Holders      []PeerId
	InfectedByUs []PeerId
	WeInfected   []PeerId
	InFlight     []PeerId
	Complete     bool
	Paused       bool
	Finished     bool
}

func (t *Table[Id, PeerId]) Snapshot(id Id) (Snapshot[PeerId], bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[id]
	if !ok {
		return Snapshot[PeerId]{}, false
	}
	s := Snapshot[PeerId]{
		Holders:  append([]PeerId(nil), e.holders...),
		Complete: e.complete,
		Paused:   e.paused,
		Finished: e.finished,
	}
	for p := range e.infectedByUs {
		s.InfectedByUs = append(s.InfectedByUs, p)
	}
	for p := range e.weInfected {
		s.WeInfected = append(s.WeInfected, p)
	}
	for p := range e.inFlight {
		s.InFlight = append(s.InFlight, p)
	}
	return s, true
}
