package gossip

import (
	"context"
	"fmt"
	"sync"

	"cosmossdk.io/log"
	"go.opentelemetry.io/otel/trace"

	"github.com/paw-chain/gossipd/p2p/telemetry"
)

// Identifier is the single-method capability pair from §9: the only thing
// the engine needs to know about Item is how to derive its Id. Realised as
// an interface rather than reflection so the engine stays generic over
// arbitrary item families sharing one node.
type Identifier[Id comparable, Item any] interface {
	ID(item Item) Id
}

// IdentifierFunc adapts a plain function to an Identifier.
type IdentifierFunc[Id comparable, Item any] func(Item) Id

func (f IdentifierFunc[Id, Item]) ID(item Item) Id { return f(item) }

// Holder is the external key-value store that persists full items (§6).
// Put is idempotent: storing an item already held is a success.
type Holder[Id, PeerId comparable, Item any] interface {
	Put(ctx context.Context, item Item, sender *PeerId) error
	Get(ctx context.Context, id Id, requester PeerId) (Item, error)
}

// Transport is the external wire collaborator (§6). Gossip picks up to
// count peers not in exclude and returns the set it actually sent to; an
// empty result is the engine's signal to pause. Send is fire-and-forget.
type Transport[Id, PeerId comparable, Item any] interface {
	Send(peer PeerId, msg Envelope[Id, Item])
	Gossip(ctx context.Context, msg Envelope[Id, Item], count int, exclude map[PeerId]struct{}) (map[PeerId]struct{}, error)
}

// eventKind enumerates the cases the dispatcher loop switches on (§4.C).
type eventKind int

const (
	evItemReceived eventKind = iota
	evPutToHolderResult
	evGossipedTo
	evCheckGossipTimeout
	evCheckGetFromPeerTimeout
	evMessageReceived
	evGetFromHolderResult
)

// event is the engine's single internal event type. Only the fields
// relevant to Kind are populated; this mirrors the Envelope tagged-union
// approach rather than introducing one channel per event kind.
type event[Id, PeerId comparable, Item any] struct {
	kind eventKind

	id   Id
	peer PeerId

	item      Item
	haveItem  bool
	putSender *PeerId

	peers map[PeerId]struct{}

	msg    Envelope[Id, Item]
	sender PeerId

	err error
}

// Engine is the event-driven driver described in §4.C: it owns a Table,
// calls into the holder via two injected callbacks, schedules timeouts and
// emits outbound messages. It processes exactly one event at a time off its
// internal queue, so all Table mutations are serialized; callbacks run in
// their own goroutine and feed their result back as a new event, never
// blocking the dispatch loop (§5).
type Engine[Id, PeerId comparable, Item any] struct {
	cfg    Config
	table  *Table[Id, PeerId]
	holder Holder[Id, PeerId, Item]
	trans  Transport[Id, PeerId, Item]
	ident  Identifier[Id, Item]
	timer  Timer
	logger log.Logger
	metric *Metrics
	tracer *telemetry.Provider

	events chan event[Id, PeerId, Item]

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewEngine constructs an Engine. clock and timer may be nil to use the
// production system clock/timer; idLess may be nil (see Table).
func NewEngine[Id, PeerId comparable, Item any](
	cfg Config,
	holder Holder[Id, PeerId, Item],
	trans Transport[Id, PeerId, Item],
	ident Identifier[Id, Item],
	clock Clock,
	timer Timer,
	logger log.Logger,
	idLess func(a, b Id) bool,
) *Engine[Id, PeerId, Item] {
	cfg = cfg.withDefaults()
	if timer == nil {
		timer = SystemTimer{}
	}
	if logger == nil {
		logger = log.NewNopLogger()
	}
	table := NewTable[Id, PeerId](cfg, clock, idLess)
	e := &Engine[Id, PeerId, Item]{
		cfg:    cfg,
		table:  table,
		holder: holder,
		trans:  trans,
		ident:  ident,
		timer:  timer,
		logger: logger,
		events: make(chan event[Id, PeerId, Item], 1024),
	}
	e.metric = NewMetrics("gossip", func() float64 { return float64(table.Len()) })
	return e
}

// Table exposes the underlying bookkeeping table, mainly for tests and
// diagnostics; production code should drive the engine through its event
// entry points below rather than calling the table directly.
func (e *Engine[Id, PeerId, Item]) Table() *Table[Id, PeerId] { return e.table }

// SetTracer attaches an OpenTelemetry provider for gossip-round spans. Unset
// (nil) leaves tracing off entirely rather than emitting no-op spans, so a
// node that never configures telemetry pays nothing for it.
func (e *Engine[Id, PeerId, Item]) SetTracer(t *telemetry.Provider) { e.tracer = t }

// traceSpan starts a span named event for id if a tracer is attached, else
// returns ctx unchanged and a nil span; all call sites must tolerate a nil
// span (telemetry.RecordError/End already do).
func (e *Engine[Id, PeerId, Item]) traceSpan(ctx context.Context, event string, id Id) (context.Context, trace.Span) {
	if e.tracer == nil {
		return ctx, nil
	}
	return e.tracer.StartGossipSpan(ctx, event, fmt.Sprint(id))
}

// Run pulls events off the internal queue until ctx is cancelled. There is
// exactly one Run goroutine per engine; all table mutations happen on it.
func (e *Engine[Id, PeerId, Item]) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	for {
		select {
		case ev := <-e.events:
			e.handle(ctx, ev)
		case <-ctx.Done():
			e.wg.Wait()
			return
		}
	}
}

// Stop cancels Run's context and returns without waiting. Run, on seeing the
// cancellation, waits for in-flight callback goroutines before it returns
// (the events channel is left open and is not drained).
func (e *Engine[Id, PeerId, Item]) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
}

func (e *Engine[Id, PeerId, Item]) submit(ev event[Id, PeerId, Item]) {
	select {
	case e.events <- ev:
	default:
		e.logger.Error("gossip event queue full, dropping event", "kind", ev.kind)
	}
}

// ItemReceived is the ingress entry point (§4.C ItemReceived): a new item
// arrived locally and should be stored and, once stored, forwarded.
func (e *Engine[Id, PeerId, Item]) ItemReceived(item Item) {
	e.metric.ItemsIngested.Inc()
	e.submit(event[Id, PeerId, Item]{kind: evItemReceived, item: item, haveItem: true})
}

// MessageReceived is the transport entry point for an inbound Envelope from
// peer sender.
func (e *Engine[Id, PeerId, Item]) MessageReceived(sender PeerId, msg Envelope[Id, Item]) {
	e.submit(event[Id, PeerId, Item]{kind: evMessageReceived, sender: sender, msg: msg})
}

func (e *Engine[Id, PeerId, Item]) handle(ctx context.Context, ev event[Id, PeerId, Item]) {
	switch ev.kind {
	case evItemReceived:
		e.onItemReceived(ctx, ev)
	case evPutToHolderResult:
		e.onPutToHolderResult(ctx, ev)
	case evGossipedTo:
		e.onGossipedTo(ctx, ev)
	case evCheckGossipTimeout:
		e.onCheckGossipTimeout(ctx, ev)
	case evCheckGetFromPeerTimeout:
		e.onCheckGetFromPeerTimeout(ctx, ev)
	case evMessageReceived:
		e.onMessageReceived(ctx, ev)
	case evGetFromHolderResult:
		// A holder.Get callback failed; the pause is routed through here
		// rather than applied in the callback goroutine so the table is
		// only ever mutated from this Run goroutine (§5).
		e.table.Pause(ev.id)
	}
}

func (e *Engine[Id, PeerId, Item]) id(item Item) Id { return e.ident.ID(item) }

// onItemReceived: call put_to_holder(item, None); fan the result back in as
// PutToHolderResult.
func (e *Engine[Id, PeerId, Item]) onItemReceived(ctx context.Context, ev event[Id, PeerId, Item]) {
	id := e.id(ev.item)
	ctx, span := e.traceSpan(ctx, "item_received", id)
	e.runAsync(func() {
		err := e.holder.Put(ctx, ev.item, nil)
		telemetry.End(span, err)
		e.submit(event[Id, PeerId, Item]{kind: evPutToHolderResult, id: id, item: ev.item, haveItem: true, err: err})
	})
}

// onPutToHolderResult: Ok consults new_complete_data and may gossip; Err
// pauses the entry and logs (§7 HolderPut).
func (e *Engine[Id, PeerId, Item]) onPutToHolderResult(ctx context.Context, ev event[Id, PeerId, Item]) {
	if ev.err != nil {
		e.table.Pause(ev.id)
		e.metric.HolderErrors.WithLabelValues("put").Inc()
		e.metric.ItemsPaused.WithLabelValues("holder_put_failed").Inc()
		e.logger.Error("holder put failed, pausing item", "err", newEngineError(ErrHolderPut, ev.err))
		return
	}
	action, ok := e.table.NewCompleteData(ev.id, ev.putSender)
	if !ok {
		return
	}
	e.doGossip(ctx, ev.id, action)
}

// doGossip executes an ActionShouldGossip by asking the transport to pick
// peers, feeding the result back in as GossipedTo.
func (e *Engine[Id, PeerId, Item]) doGossip(ctx context.Context, id Id, action Action[PeerId]) {
	if action.Kind != ActionShouldGossip {
		return
	}
	msg := Gossip[Id, Item](id)
	ctx, span := e.traceSpan(ctx, "fanout", id)
	e.runAsync(func() {
		peers, err := e.trans.Gossip(ctx, msg, action.Count, action.Exclude)
		if err != nil {
			e.logger.Error("gossip transport error", "err", err)
			peers = nil
		}
		telemetry.End(span, err)
		e.submit(event[Id, PeerId, Item]{kind: evGossipedTo, id: id, peers: peers})
	})
}

// onGossipedTo: empty set pauses the entry; otherwise arm a
// CheckGossipTimeout per peer (§4.C GossipedTo).
func (e *Engine[Id, PeerId, Item]) onGossipedTo(ctx context.Context, ev event[Id, PeerId, Item]) {
	if len(ev.peers) == 0 {
		e.table.Pause(ev.id)
		e.metric.ItemsPaused.WithLabelValues("no_peers_available").Inc()
		return
	}
	// Record each peer as an outstanding gossip request so CheckTimeout can
	// tell a silent peer from one that already answered (§5 cancellation).
	e.table.mu.Lock()
	if ent, ok := e.table.entries[ev.id]; ok {
		deadline := e.table.clock.Now().Add(e.cfg.GossipRequestTimeout)
		for peer := range ev.peers {
			ent.inFlight[peer] = deadline
		}
	}
	e.table.mu.Unlock()
	for peer := range ev.peers {
		e.metric.ItemsForwarded.WithLabelValues("sent").Inc()
		e.armGossipTimeout(ctx, ev.id, peer)
	}
}

func (e *Engine[Id, PeerId, Item]) armGossipTimeout(ctx context.Context, id Id, peer PeerId) {
	e.runAsync(func() {
		select {
		case <-e.timer.After(e.cfg.GossipRequestTimeout):
			e.submit(event[Id, PeerId, Item]{kind: evCheckGossipTimeout, id: id, peer: peer})
		case <-ctx.Done():
		}
	})
}

func (e *Engine[Id, PeerId, Item]) armGetTimeout(ctx context.Context, id Id, peer PeerId) {
	e.runAsync(func() {
		select {
		case <-e.timer.After(e.cfg.GetRemainderTimeout):
			e.submit(event[Id, PeerId, Item]{kind: evCheckGetFromPeerTimeout, id: id, peer: peer})
		case <-ctx.Done():
		}
	})
}

// onCheckGossipTimeout: invoke check_timeout and act on the result (§4.C).
func (e *Engine[Id, PeerId, Item]) onCheckGossipTimeout(ctx context.Context, ev event[Id, PeerId, Item]) {
	action := e.table.CheckTimeout(ev.id, ev.peer)
	if action.Kind == ActionShouldGossip {
		e.metric.TimeoutsFired.WithLabelValues("gossip").Inc()
	}
	e.doGossip(ctx, ev.id, action)
}

// onCheckGetFromPeerTimeout: invoke remove_holder_if_unresponsive; may issue
// a fresh GetRequest to the next holder, or discover we raced to Complete.
func (e *Engine[Id, PeerId, Item]) onCheckGetFromPeerTimeout(ctx context.Context, ev event[Id, PeerId, Item]) {
	e.metric.TimeoutsFired.WithLabelValues("get_remainder").Inc()
	action := e.table.RemoveHolderIfUnresponsive(ev.id, ev.peer)
	switch action.Kind {
	case ActionGetRemainder:
		e.trans.Send(action.Holder, GetRequest[Id, Item](ev.id))
		e.armGetTimeout(ctx, ev.id, action.Holder)
	case ActionShouldGossip:
		e.doGossip(ctx, ev.id, action)
	}
}

// onMessageReceived dispatches the four wire variants per §4.C.
func (e *Engine[Id, PeerId, Item]) onMessageReceived(ctx context.Context, ev event[Id, PeerId, Item]) {
	var id Id
	switch ev.msg.Type() {
	case MsgGossip:
		id = ev.msg.GossipID()
	case MsgGossipResponse:
		id = ev.msg.GossipResponseID()
	case MsgGetRequest:
		id = ev.msg.GetRequestID()
	case MsgGetResponse:
		id = e.id(ev.msg.GetResponseItem())
	}
	ctx, span := e.traceSpan(ctx, "message."+ev.msg.Type().String(), id)
	defer telemetry.End(span, nil)

	switch ev.msg.Type() {
	case MsgGossip:
		e.onGossip(ctx, ev.sender, id)
	case MsgGossipResponse:
		e.onGossipResponse(ctx, ev.sender, id, ev.msg.IsAlreadyHeld())
	case MsgGetRequest:
		e.onGetRequest(ctx, ev.sender, id)
	case MsgGetResponse:
		e.onGetResponse(ctx, ev.sender, ev.msg.GetResponseItem())
	}
}

func (e *Engine[Id, PeerId, Item]) onGossip(ctx context.Context, sender PeerId, id Id) {
	switch e.table.State(id) {
	case StateComplete, StateFinished:
		// Already hold it: tell sender so, without restarting forwarding
		// (matches the saturation scenario — a Finished entry never emits
		// outbound Gossip again, and a merely Complete entry already
		// triggered its one round of forwarding when it became complete).
		e.trans.Send(sender, GossipResponse[Id, Item](id, true))
		return
	}

	action := e.table.NewPartialData(id, sender)
	switch action.Kind {
	case ActionGetRemainder:
		// The reply to this Gossip doubles as the fetch request: sender,
		// on seeing is_already_held=false, pushes the item back to us
		// (§4.C GossipResponse{false} handling on their end).
		e.trans.Send(sender, GossipResponse[Id, Item](id, false))
		e.armGetTimeout(ctx, id, sender)
	case ActionAwaitingRemainder:
		e.trans.Send(sender, GossipResponse[Id, Item](id, false))
	}
}

func (e *Engine[Id, PeerId, Item]) onGossipResponse(ctx context.Context, sender PeerId, id Id, alreadyHeld bool) {
	e.metric.ResponsesReceived.WithLabelValues(boolLabel(alreadyHeld)).Inc()
	if e.table.State(id) == StateVacant {
		// A response for an id we never gossiped: the peer is either stale
		// or misbehaving. Dropped rather than acted on.
		e.logger.Debug("ignoring gossip response for untracked item",
			"err", newEngineError(ErrProtocolViolation, fmt.Errorf("untracked id from peer %v", sender)))
		return
	}
	if alreadyHeld {
		action := e.table.AlreadyInfected(id, sender)
		e.noteSaturation(id, action)
		e.doGossip(ctx, id, action)
		return
	}

	// is_already_held=false is an implicit GetRequest from sender: we hold
	// the item (we are the one who gossiped it), so serve it directly.
	senderCopy := sender
	e.runAsync(func() {
		item, err := e.holder.Get(ctx, id, sender)
		if err != nil {
			e.metric.HolderErrors.WithLabelValues("get").Inc()
			e.logger.Error("holder get failed answering implicit get request", "err", newEngineError(ErrHolderGet, err))
			e.submit(event[Id, PeerId, Item]{kind: evGetFromHolderResult, id: id})
			return
		}
		e.trans.Send(senderCopy, GetResponse[Id, Item](item))
	})

	action := e.table.WeInfected(id, sender)
	e.noteSaturation(id, action)
	e.doGossip(ctx, id, action)
}

func (e *Engine[Id, PeerId, Item]) onGetRequest(ctx context.Context, sender PeerId, id Id) {
	e.runAsync(func() {
		item, err := e.holder.Get(ctx, id, sender)
		if err != nil {
			e.metric.HolderErrors.WithLabelValues("get").Inc()
			e.logger.Error("holder get failed answering get request", "err", newEngineError(ErrHolderGet, err))
			e.submit(event[Id, PeerId, Item]{kind: evGetFromHolderResult, id: id})
			return
		}
		e.trans.Send(sender, GetResponse[Id, Item](item))
	})
}

func (e *Engine[Id, PeerId, Item]) onGetResponse(ctx context.Context, sender PeerId, item Item) {
	id := e.id(item)
	senderCopy := sender
	e.runAsync(func() {
		err := e.holder.Put(ctx, item, &senderCopy)
		e.submit(event[Id, PeerId, Item]{kind: evPutToHolderResult, id: id, item: item, putSender: &senderCopy, err: err})
	})
}

func (e *Engine[Id, PeerId, Item]) noteSaturation(id Id, action Action[PeerId]) {
	if e.table.State(id) == StateFinished {
		e.metric.ItemsSaturated.Inc()
	}
}

// runAsync launches f on its own goroutine, tracked so Run can wait for
// in-flight callbacks once Stop cancels it. f is expected to eventually call submit with the
// callback's result; it must never touch the table directly (§5: callbacks
// are awaited by the dispatcher, not the engine).
func (e *Engine[Id, PeerId, Item]) runAsync(f func()) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		f()
	}()
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
