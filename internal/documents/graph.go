package documents

import "slices"

// edges lists, for each state, the states it may move to. Self-edges carry
// progress or message updates within the same stage.
var edges = map[State][]State{
	StateQueued:    {StateUploading},
	StateUploading: {StateUploading, StateUploaded, StateUploadFailed},
	StateUploaded:  {StateAIQueued},
	StateAIQueued:  {StateAnalyzing, StateCancelled},
	StateAnalyzing: {StateAnalyzing, StateCompleted, StateAIFailed, StateCancelled},
	StateCancelled: {StateCancelled},
}

// rerunSources are the terminal states from which a stored document may be
// sent back to AI_QUEUED without re-uploading.
var rerunSources = []State{StateUploaded, StateCompleted, StateAIFailed, StateCancelled}

// CanTransition reports whether from -> to is an edge of the lifecycle graph.
func CanTransition(from, to State) bool {
	return slices.Contains(edges[from], to)
}

// Predecessors returns every state with an edge into to.
func Predecessors(to State) []State {
	var out []State
	for _, from := range allStates {
		if CanTransition(from, to) {
			out = append(out, from)
		}
	}
	return out
}

// RerunSources returns the states a re-run may start from.
func RerunSources() []State {
	return slices.Clone(rerunSources)
}

// Terminal reports whether no pipeline worker will move the document further on its own.
func (s State) Terminal() bool {
	switch s {
	case StateUploaded, StateUploadFailed, StateCompleted, StateAIFailed, StateCancelled:
		return true
	default:
		return false
	}
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	return slices.Contains(allStates, s)
}

var allStates = []State{
	StateQueued,
	StateUploading,
	StateUploaded,
	StateUploadFailed,
	StateAIQueued,
	StateAnalyzing,
	StateCompleted,
	StateAIFailed,
	StateCancelled,
}
