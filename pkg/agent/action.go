package agent

import "fmt"

// ActionKind discriminates the closed set of actions a decision step
// may emit. Handling is exhaustive; an unknown kind is a decoding
// error, never a silent no-op.
type ActionKind string

const (
	// ActionSearch queries the external search provider.
	ActionSearch ActionKind = "search"

	// ActionAnalyze fetches and scores a batch of URLs.
	ActionAnalyze ActionKind = "analyze"

	// ActionConclude ends the run with a final answer.
	ActionConclude ActionKind = "conclude"
)

// Action is the tagged variant produced by one decision step. Exactly
// the field matching Kind is populated.
type Action struct {
	Kind     ActionKind
	Search   *SearchAction
	Analyze  *AnalyzeAction
	Conclude *ConcludeAction
}

// SearchAction requests a web search.
type SearchAction struct {
	Query      string
	MaxResults int
	Domains    []string
}

// AnalyzeAction requests fetching and scoring of candidate URLs.
type AnalyzeAction struct {
	URLs []string
}

// ConcludeAction carries the final answer text. References are derived
// from the gathered evidence, not trusted from the model.
type ConcludeAction struct {
	Answer string
}

// validate checks that the variant matching Kind is populated and
// well-formed.
func (a Action) validate() error {
	switch a.Kind {
	case ActionSearch:
		if a.Search == nil || a.Search.Query == "" {
			return fmt.Errorf("search action requires a query")
		}
	case ActionAnalyze:
		if a.Analyze == nil || len(a.Analyze.URLs) == 0 {
			return fmt.Errorf("analyze action requires at least one url")
		}
	case ActionConclude:
		if a.Conclude == nil || a.Conclude.Answer == "" {
			return fmt.Errorf("conclude action requires an answer")
		}
	default:
		return fmt.Errorf("unknown action kind %q", a.Kind)
	}
	return nil
}
