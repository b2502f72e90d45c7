package agent

import (
	"fmt"
	"sort"
	"strings"
)

// maxReferences caps the citation list on a final answer.
const maxReferences = 15

// Stance values describe how a piece of evidence relates to the query.
const (
	StanceSupporting    = "supporting"
	StanceContradicting = "contradicting"
	StanceNeutral       = "neutral"
)

// Evidence is one scored, cited excerpt gathered while answering a
// query. Evidence is immutable after creation; runs only append and
// aggregate it.
type Evidence struct {
	URL         string  `json:"url"`
	Title       string  `json:"title"`
	Relevance   float64 `json:"relevance"`
	Reliability float64 `json:"reliability"`
	Excerpt     string  `json:"excerpt"`
	ShortAnswer string  `json:"short_answer"`
	Stance      string  `json:"stance"`
}

// Score is the combined quality of this evidence, relevance weighted by
// how trustworthy the source is. Both factors are in [0,1].
func (e Evidence) Score() float64 {
	return e.Relevance * e.Reliability
}

// Reference is a cited source on a final answer.
type Reference struct {
	URL         string  `json:"url"`
	Title       string  `json:"title"`
	Relevance   float64 `json:"relevance"`
	Reliability float64 `json:"reliability"`
}

// computeConfidence summarizes how well the evidence set supports
// concluding. It blends the single best source with the average so one
// strong hit raises confidence without a pile of weak sources faking
// it. Mixed-stance evidence is not penalized here; stance is surfaced
// to the decision step instead, which keeps the formula a tunable
// policy rather than a law.
func computeConfidence(evidence []Evidence) float64 {
	if len(evidence) == 0 {
		return 0
	}
	max, sum := 0.0, 0.0
	for _, ev := range evidence {
		score := ev.Score()
		sum += score
		if score > max {
			max = score
		}
	}
	return 0.5*max + 0.5*sum/float64(len(evidence))
}

// buildReferences converts evidence into a citation list: deduplicated
// by URL, ordered by descending score, capped at maxReferences.
func buildReferences(evidence []Evidence) []Reference {
	sorted := make([]Evidence, len(evidence))
	copy(sorted, evidence)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Score() > sorted[j].Score()
	})

	seen := make(map[string]struct{}, len(sorted))
	references := make([]Reference, 0, len(sorted))
	for _, ev := range sorted {
		if _, dup := seen[ev.URL]; dup {
			continue
		}
		seen[ev.URL] = struct{}{}
		references = append(references, Reference{
			URL:         ev.URL,
			Title:       ev.Title,
			Relevance:   ev.Relevance,
			Reliability: ev.Reliability,
		})
		if len(references) == maxReferences {
			break
		}
	}
	return references
}

// summarizeEvidence renders the evidence set for the decision prompt.
func summarizeEvidence(evidence []Evidence) string {
	if len(evidence) == 0 {
		return "No evidence collected yet."
	}
	var b strings.Builder
	for i, ev := range evidence {
		if i > 0 {
			b.WriteString("\n\n")
		}
		answer := ev.ShortAnswer
		if len(answer) > 200 {
			answer = answer[:200] + "..."
		}
		fmt.Fprintf(&b, "%d. [%s](%s) - relevance %.0f%%, reliability %.0f%%, stance %s\n   Answer: %s",
			i+1, ev.Title, ev.URL, ev.Relevance*100, ev.Reliability*100, ev.Stance, answer)
	}
	return b.String()
}
