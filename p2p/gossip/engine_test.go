package gossip

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"cosmossdk.io/log"
	"github.com/stretchr/testify/suite"
)

var errItemNotFound = errors.New("item not found")

type testItem struct {
	id   string
	body string
}

type testIdentifier struct{}

func (testIdentifier) ID(item testItem) string { return item.id }

// fakeHolder is an in-memory Holder[string,string,testItem] for tests; Err
// forces every Put/Get to fail, exercising the engine's pause-on-error path.
type fakeHolder struct {
	mu    sync.Mutex
	items map[string]testItem
	err   error
}

func newFakeHolder() *fakeHolder {
	return &fakeHolder{items: make(map[string]testItem)}
}

func (h *fakeHolder) Put(ctx context.Context, item testItem, sender *string) error {
	if h.err != nil {
		return h.err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.items[item.id] = item
	return nil
}

func (h *fakeHolder) Get(ctx context.Context, id string, requester string) (testItem, error) {
	if h.err != nil {
		return testItem{}, h.err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	item, ok := h.items[id]
	if !ok {
		return testItem{}, errItemNotFound
	}
	return item, nil
}

// fakeTransport records every Send and hands back a fixed peer set from
// Gossip, so tests can assert on outbound traffic without real sockets.
type fakeTransport struct {
	mu       sync.Mutex
	sent     []sentMsg
	gossipTo map[string]struct{}
}

type sentMsg struct {
	peer string
	msg  Envelope[string, testItem]
}

func newFakeTransport(gossipTo ...string) *fakeTransport {
	set := make(map[string]struct{}, len(gossipTo))
	for _, p := range gossipTo {
		set[p] = struct{}{}
	}
	return &fakeTransport{gossipTo: set}
}

func (t *fakeTransport) Send(peer string, msg Envelope[string, testItem]) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sent = append(t.sent, sentMsg{peer: peer, msg: msg})
}

func (t *fakeTransport) Gossip(ctx context.Context, msg Envelope[string, testItem], count int, exclude map[string]struct{}) (map[string]struct{}, error) {
	out := make(map[string]struct{})
	for p := range t.gossipTo {
		if _, excluded := exclude[p]; excluded {
			continue
		}
		out[p] = struct{}{}
		if len(out) == count {
			break
		}
	}
	t.mu.Lock()
	for p := range out {
		t.sent = append(t.sent, sentMsg{peer: p, msg: msg})
	}
	t.mu.Unlock()
	return out, nil
}

func (t *fakeTransport) sentCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sent)
}

type EngineTestSuite struct {
	suite.Suite
	holder *fakeHolder
	trans  *fakeTransport
	engine *Engine[string, string, testItem]
	ctx    context.Context
	cancel context.CancelFunc
}

func (s *EngineTestSuite) SetupTest() {
	s.holder = newFakeHolder()
	s.trans = newFakeTransport("peerA", "peerB", "peerC")

	cfg := DefaultConfig()
	cfg.InfectionTarget = 2
	cfg.GossipRequestTimeout = time.Hour
	cfg.GetRemainderTimeout = time.Hour

	s.engine = NewEngine[string, string, testItem](cfg, s.holder, s.trans, testIdentifier{}, nil, nil, log.NewNopLogger(), nil)

	s.ctx, s.cancel = context.WithCancel(context.Background())
	go s.engine.Run(s.ctx)
}

func (s *EngineTestSuite) TearDownTest() {
	s.cancel()
}

func (s *EngineTestSuite) TestItemReceivedStoresAndForwards() {
	s.engine.ItemReceived(testItem{id: "item1", body: "hello"})

	s.Require().Eventually(func() bool {
		s.holder.mu.Lock()
		_, ok := s.holder.items["item1"]
		s.holder.mu.Unlock()
		return ok
	}, time.Second, 5*time.Millisecond, "item should be stored")

	s.Require().Eventually(func() bool {
		return s.trans.sentCount() > 0
	}, time.Second, 5*time.Millisecond, "item should be forwarded to peers")

	s.Require().Eventually(func() bool {
		return s.engine.Table().State("item1") == StateComplete
	}, time.Second, 5*time.Millisecond)
}

func (s *EngineTestSuite) TestInboundGossipRequestsRemainder() {
	s.engine.MessageReceived("peerA", Gossip[string, testItem]("item1"))

	s.Require().Eventually(func() bool {
		return s.engine.Table().State("item1") == StateAwaitingRemainder
	}, time.Second, 5*time.Millisecond)

	s.trans.mu.Lock()
	sent := append([]sentMsg(nil), s.trans.sent...)
	s.trans.mu.Unlock()

	s.Require().Len(sent, 1)
	s.Require().Equal("peerA", sent[0].peer)
	s.Require().Equal(MsgGossipResponse, sent[0].msg.Type())
	s.Require().False(sent[0].msg.IsAlreadyHeld())
}

func (s *EngineTestSuite) TestGossipResponseFalseServesTheItemBack() {
	s.engine.ItemReceived(testItem{id: "item1", body: "hello"})
	s.Require().Eventually(func() bool {
		return s.engine.Table().State("item1") == StateComplete
	}, time.Second, 5*time.Millisecond)

	s.engine.MessageReceived("peerA", GossipResponse[string, testItem]("item1", false))

	s.Require().Eventually(func() bool {
		s.trans.mu.Lock()
		defer s.trans.mu.Unlock()
		for _, m := range s.trans.sent {
			if m.peer == "peerA" && m.msg.Type() == MsgGetResponse {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond, "should answer the implicit get request with the item")
}

func (s *EngineTestSuite) TestGetRequestAnswersWithItem() {
	s.engine.ItemReceived(testItem{id: "item1", body: "hello"})
	s.Require().Eventually(func() bool {
		return s.engine.Table().State("item1") == StateComplete
	}, time.Second, 5*time.Millisecond)

	s.engine.MessageReceived("peerZ", GetRequest[string, testItem]("item1"))

	s.Require().Eventually(func() bool {
		s.trans.mu.Lock()
		defer s.trans.mu.Unlock()
		for _, m := range s.trans.sent {
			if m.peer == "peerZ" && m.msg.Type() == MsgGetResponse {
				return m.msg.GetResponseItem().id == "item1"
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
}

func (s *EngineTestSuite) TestGetResponseStoresAndForwards() {
	s.engine.MessageReceived("peerA", GetResponse[string, testItem](testItem{id: "item1", body: "remote"}))

	s.Require().Eventually(func() bool {
		s.holder.mu.Lock()
		defer s.holder.mu.Unlock()
		_, ok := s.holder.items["item1"]
		return ok
	}, time.Second, 5*time.Millisecond)

	s.Require().Eventually(func() bool {
		return s.trans.sentCount() > 0
	}, time.Second, 5*time.Millisecond, "item should be forwarded to peers")
}

func (s *EngineTestSuite) TestHolderPutFailurePausesEntry() {
	s.holder.err = errors.New("disk full")

	s.engine.ItemReceived(testItem{id: "item1", body: "hello"})

	s.Require().Eventually(func() bool {
		return s.engine.Table().State("item1") == StatePaused
	}, time.Second, 5*time.Millisecond)

	s.Require().Equal(0, s.trans.sentCount(), "a paused item must never be forwarded")
}

func TestEngineSuite(t *testing.T) {
	suite.Run(t, new(EngineTestSuite))
}
