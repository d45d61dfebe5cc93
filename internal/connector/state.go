package connector

// StateKeyCursor is the only state key the sync engine manages.
const StateKeyCursor = "next_cursor"

// State is the resumable position of a cursor lineage. The incoming state
// map is the sole source of resume position; the engine reads no other side
// channel.
type State struct {
	NextCursor string
}

// StateFromMap extracts the cursor from an orchestrator-supplied state map.
// A nil or empty map means a first run.
func StateFromMap(m map[string]string) State {
	if m == nil {
		return State{}
	}
	return State{NextCursor: m[StateKeyCursor]}
}

// Map renders the state for emission. Only the cursor key is ever written.
func (s State) Map() map[string]string {
	return map[string]string{StateKeyCursor: s.NextCursor}
}
