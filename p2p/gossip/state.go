package gossip

// State is the named point in the per-item lifecycle described in §4.B.
// It is a view derived from the entry's bookkeeping fields, not separate
// storage: Vacant/AwaitingRemainder/Complete/Finished/Paused all fall out
// of (tracked?, complete, paused, finished).
type State int

const (
	StateVacant State = iota
	StateAwaitingRemainder
	StateComplete
	StateFinished
	StatePaused
)

func (s State) String() string {
	switch s {
	case StateVacant:
		return "Vacant"
	case StateAwaitingRemainder:
		return "AwaitingRemainder"
	case StateComplete:
		return "Complete"
	case StateFinished:
		return "Finished"
	case StatePaused:
		return "Paused"
	default:
		return "Unknown"
	}
}

// State reports id's current lifecycle state. An untracked id is Vacant; a
// Finished entry whose lingering window has passed is removed here and
// reported Vacant.
func (t *Table[Id, PeerId]) State(id Id) State {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[id]
	if !ok || t.reapFinished(id, e) {
		return StateVacant
	}
	switch {
	case e.finished:
		return StateFinished
	case e.paused:
		return StatePaused
	case e.complete:
		return StateComplete
	default:
		return StateAwaitingRemainder
	}
}
