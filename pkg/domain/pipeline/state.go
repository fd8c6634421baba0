package pipeline

import (
	"sort"
	"sync"
	"time"
)

// State is the in-memory view of one item's pipeline progress. It is a
// cache: every field must be reconstructable from the item's tracking table
// and sub-item titles, so a restart loses nothing.
type State struct {
	ItemID          int
	Stage           string
	CompletedAgents []string
	CurrentAgent    string
	MainBranch      *BranchRef
	SubItems        map[string]int
	Terminal        bool
	LastProgress    time.Time
}

// Completed reports whether the agent already finished on this item.
func (s *State) Completed(agent string) bool {
	for _, a := range s.CompletedAgents {
		if a == agent {
			return true
		}
	}
	return false
}

// MarkCompleted appends the agent to the completed set exactly once and
// clears it as the current agent. The completed set only ever grows.
func (s *State) MarkCompleted(agent string) {
	if !s.Completed(agent) {
		s.CompletedAgents = append(s.CompletedAgents, agent)
	}
	if s.CurrentAgent == agent {
		s.CurrentAgent = ""
	}
	s.LastProgress = time.Now()
}

// Resync accepts an externally observed stage as ground truth. Reverting an
// external move could re-trigger an agent that already started, so the
// observed stage always wins.
func (s *State) Resync(stage string) {
	if s.Stage != stage {
		s.Stage = stage
		s.LastProgress = time.Now()
	}
}

// SubItemFor returns the dedicated sub-item for an agent, falling back to
// the parent item when no mapping exists yet.
func (s *State) SubItemFor(agent string) int {
	if id, ok := s.SubItems[agent]; ok {
		return id
	}
	return s.ItemID
}

// Store holds pipeline state for all in-flight items. Mutations to a given
// item's entry are serialized through a per-item lock; different items never
// contend with each other.
type Store struct {
	mu     sync.Mutex
	states map[int]*State
	locks  map[int]*sync.Mutex
}

func NewStore() *Store {
	return &Store{
		states: make(map[int]*State),
		locks:  make(map[int]*sync.Mutex),
	}
}

// Lock acquires the per-item lock and returns the unlock function.
func (st *Store) Lock(itemID int) func() {
	st.mu.Lock()
	l, ok := st.locks[itemID]
	if !ok {
		l = &sync.Mutex{}
		st.locks[itemID] = l
	}
	st.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// Get returns the state for an item, if tracked.
func (st *Store) Get(itemID int) (*State, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	s, ok := st.states[itemID]
	return s, ok
}

// Put registers or replaces an item's state.
func (st *Store) Put(s *State) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.states[s.ItemID] = s
}

// Delete drops an item's state, used when its pipeline reaches the
// terminal stage.
func (st *Store) Delete(itemID int) {
	st.mu.Lock()
	defer st.mu.Unlock()
	delete(st.states, itemID)
}

// Items returns the tracked item ids in ascending order.
func (st *Store) Items() []int {
	st.mu.Lock()
	defer st.mu.Unlock()
	ids := make([]int, 0, len(st.states))
	for id := range st.states {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

type guardKey struct {
	itemID int
	agent  string
}

// Guard is the pending-assignment set. An entry is taken before the
// external assignment call and released only once that call terminally
// succeeds or fails, closing the race between "decided to assign" and the
// tracker acknowledging it.
type Guard struct {
	mu      sync.Mutex
	pending map[guardKey]struct{}
}

func NewGuard() *Guard {
	return &Guard{pending: make(map[guardKey]struct{})}
}

// TryAcquire takes the guard entry, reporting false if it is already held.
func (g *Guard) TryAcquire(itemID int, agent string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	k := guardKey{itemID, agent}
	if _, held := g.pending[k]; held {
		return false
	}
	g.pending[k] = struct{}{}
	return true
}

// Release drops the guard entry.
func (g *Guard) Release(itemID int, agent string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.pending, guardKey{itemID, agent})
}

// Held reports whether an assignment is in flight for the pair.
func (g *Guard) Held(itemID int, agent string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, held := g.pending[guardKey{itemID, agent}]
	return held
}

// HeldForItem reports whether any assignment is in flight for the item.
func (g *Guard) HeldForItem(itemID int) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	for k := range g.pending {
		if k.itemID == itemID {
			return true
		}
	}
	return false
}

// Cooldown rate-limits recovery per item to one attempt per window.
type Cooldown struct {
	mu     sync.Mutex
	window time.Duration
	last   map[int]time.Time
	now    func() time.Time
}

// DefaultRecoveryWindow is the minimum gap between recovery attempts for
// the same item.
const DefaultRecoveryWindow = 5 * time.Minute

func NewCooldown(window time.Duration) *Cooldown {
	if window <= 0 {
		window = DefaultRecoveryWindow
	}
	return &Cooldown{window: window, last: make(map[int]time.Time), now: time.Now}
}

// Allow reports whether a recovery attempt may run for the item and, if so,
// records the attempt. Exactly one caller wins per window.
func (c *Cooldown) Allow(itemID int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	if last, ok := c.last[itemID]; ok && now.Sub(last) < c.window {
		return false
	}
	c.last[itemID] = now
	return true
}
