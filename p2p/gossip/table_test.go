package gossip

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

// fakeClock is a manually-advanced Clock so deadline-sensitive table
// behavior can be driven deterministically instead of sleeping.
type fakeClock struct {
	now time.Time
}

func newFakeClock() *fakeClock { return &fakeClock{now: time.Unix(0, 0)} }

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

type TableTestSuite struct {
	suite.Suite
	clock *fakeClock
	table *Table[string, string]
}

func (s *TableTestSuite) SetupTest() {
	s.clock = newFakeClock()
	cfg := DefaultConfig()
	cfg.InfectionTarget = 2
	s.table = NewTable[string, string](cfg, s.clock, nil)
}

func (s *TableTestSuite) TestNewPartialDataFirstHolderRequestsRemainder() {
	action := s.table.NewPartialData("item1", "peerA")
	s.Require().Equal(ActionGetRemainder, action.Kind)
	s.Require().Equal("peerA", action.Holder)
	s.Require().Equal(StateAwaitingRemainder, s.table.State("item1"))
}

func (s *TableTestSuite) TestNewPartialDataSecondHolderAwaitsRemainder() {
	s.table.NewPartialData("item1", "peerA")
	action := s.table.NewPartialData("item1", "peerB")
	s.Require().Equal(ActionAwaitingRemainder, action.Kind)

	snap, ok := s.table.Snapshot("item1")
	s.Require().True(ok)
	s.Require().ElementsMatch([]string{"peerA", "peerB"}, snap.Holders)
}

func (s *TableTestSuite) TestNewCompleteDataGossipsWhenBelowTarget() {
	action, ok := s.table.NewCompleteData("item1", nil)
	s.Require().True(ok)
	s.Require().Equal(ActionShouldGossip, action.Kind)
	s.Require().Equal(2, action.Count)
	s.Require().Equal(StateComplete, s.table.State("item1"))
}

func (s *TableTestSuite) TestAlreadyInfectedCountsTowardTarget() {
	s.table.NewCompleteData("item1", nil)

	action := s.table.AlreadyInfected("item1", "peerA")
	s.Require().Equal(ActionShouldGossip, action.Kind)
	s.Require().Equal(1, action.Count, "one more confirmed infection needed to reach target of 2")
	s.Require().Equal(StateComplete, s.table.State("item1"))

	action = s.table.AlreadyInfected("item1", "peerB")
	s.Require().Equal(ActionNoop, action.Kind, "target reached, no further gossip")
	s.Require().Equal(StateFinished, s.table.State("item1"))
}

func (s *TableTestSuite) TestWeInfectedCountsTowardTarget() {
	s.table.NewCompleteData("item1", nil)
	action := s.table.WeInfected("item1", "peerA")
	s.Require().Equal(ActionShouldGossip, action.Kind)

	snap, ok := s.table.Snapshot("item1")
	s.Require().True(ok)
	s.Require().Contains(snap.WeInfected, "peerA")
}

func (s *TableTestSuite) TestCheckTimeoutOnUntrackedItemIsNoop() {
	s.table.NewCompleteData("item1", nil) // no outstanding peer yet
	// A gossip deadline firing for an id the table does not track has
	// nothing to retry: CheckTimeout returns Noop.
	action := s.table.CheckTimeout("unknown-item", "peerA")
	s.Require().Equal(ActionNoop, action.Kind)
}

func (s *TableTestSuite) TestRemoveHolderIfUnresponsiveFailsOverToNextHolder() {
	s.table.NewPartialData("item1", "peerA")
	s.table.NewPartialData("item1", "peerB") // second holder, awaiting

	action := s.table.RemoveHolderIfUnresponsive("item1", "peerA")
	s.Require().Equal(ActionGetRemainder, action.Kind)
	s.Require().Equal("peerB", action.Holder, "fails over to the oldest-learned remaining holder")
}

func (s *TableTestSuite) TestRemoveHolderIfUnresponsiveNoMoreHoldersIsNoop() {
	s.table.NewPartialData("item1", "peerA")
	action := s.table.RemoveHolderIfUnresponsive("item1", "peerA")
	s.Require().Equal(ActionNoop, action.Kind)
	s.Require().Equal(StateAwaitingRemainder, s.table.State("item1"))
}

func (s *TableTestSuite) TestPauseStopsGossip() {
	s.table.Pause("item1")
	action, ok := s.table.NewCompleteData("item1", nil)
	s.Require().False(ok)
	s.Require().Equal(ActionNoop, action.Kind)
	s.Require().Equal(StatePaused, s.table.State("item1"))
}

func (s *TableTestSuite) TestFinishedEntryIsLazilyReaped() {
	cfg := DefaultConfig()
	cfg.InfectionTarget = 1
	cfg.FinishedEntryDuration = time.Second
	table := NewTable[string, string](cfg, s.clock, nil)

	table.NewCompleteData("item1", nil)
	table.AlreadyInfected("item1", "peerA")
	s.Require().Equal(StateFinished, table.State("item1"))

	s.clock.Advance(2 * time.Second)
	// NewPartialData triggers the lazy reap path when accessing the id.
	table.NewPartialData("item1", "peerB")
	s.Require().Equal(StateAwaitingRemainder, table.State("item1"), "reaped entry starts fresh")
}

func (s *TableTestSuite) TestEvictionAtCapacity() {
	cfg := DefaultConfig()
	cfg.MaxItems = 2
	table := NewTable[string, string](cfg, s.clock, nil)

	table.NewCompleteData("item1", nil)
	s.clock.Advance(time.Second)
	table.NewCompleteData("item2", nil)
	s.clock.Advance(time.Second)
	table.NewCompleteData("item3", nil) // should evict item1

	s.Require().Equal(StateVacant, table.State("item1"))
	s.Require().Equal(StateComplete, table.State("item2"))
	s.Require().Equal(StateComplete, table.State("item3"))
	s.Require().Equal(2, table.Len())
}

func TestTableSuite(t *testing.T) {
	suite.Run(t, new(TableTestSuite))
}

func TestStateStringsAreStable(t *testing.T) {
	cases := map[State]string{
		StateVacant:            "Vacant",
		StateAwaitingRemainder: "AwaitingRemainder",
		StateComplete:          "Complete",
		StateFinished:          "Finished",
		StatePaused:            "Paused",
	}
	for state, want := range cases {
		require.Equal(t, want, state.String())
	}
}
