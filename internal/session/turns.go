package session

// turnState tracks the input the agent is working on. At most one turn is in flight
// per session; input that arrives meanwhile waits until the turn completes so each
// execution covers exactly one turn and the session only waits for input when the
// agent has nothing left to do.
type turnState struct {
	inFlight bool
	pending  []string
}

// beginTurn marks a turn as started for input the caller delivers itself.
func (m *Manager) beginTurn(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.turnStateLocked(id).inFlight = true
}

// offerInput reports whether text should be sent now. When a turn is in flight the
// text is held and false is returned.
func (m *Manager) offerInput(id, text string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	ts := m.turnStateLocked(id)
	if ts.inFlight {
		ts.pending = append(ts.pending, text)
		return false
	}
	ts.inFlight = true
	return true
}

// nextInput ends the current turn. It returns the next held input, which starts a
// new turn, or false when the agent is now idle.
func (m *Manager) nextInput(id string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ts := m.turnStateLocked(id)
	if len(ts.pending) == 0 {
		ts.inFlight = false
		return "", false
	}
	text := ts.pending[0]
	ts.pending = ts.pending[1:]
	return text, true
}

// resetTurns forgets the turn state, returning how many held inputs were dropped.
func (m *Manager) resetTurns(id string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	ts, ok := m.turns[id]
	if !ok {
		return 0
	}
	delete(m.turns, id)
	return len(ts.pending)
}

func (m *Manager) turnStateLocked(id string) *turnState {
	ts, ok := m.turns[id]
	if !ok {
		ts = &turnState{}
		m.turns[id] = ts
	}
	return ts
}
