// Package classify holds the per-item screening decision and the
// subprocess worker that produces decisions locally.
package classify

import "strings"

// Status is a screening decision for one candidate item.
type Status string

const (
	StatusIncluded Status = "included"
	StatusMaybe    Status = "maybe"
	StatusExcluded Status = "excluded"
)

// ParseStatus normalizes a model-produced status. Unknown values map to maybe.
func ParseStatus(s string) Status {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "included", "include", "yes", "relevant":
		return StatusIncluded
	case "excluded", "exclude", "no", "irrelevant":
		return StatusExcluded
	default:
		return StatusMaybe
	}
}

// Entry is the decision for one candidate item.
type Entry struct {
	Key           string   `json:"key"`
	Status        Status   `json:"status"`
	Confidence    float64  `json:"confidence"`
	Reason        string   `json:"reason,omitempty"`
	SuggestedTags []string `json:"suggested_tags,omitempty"`
}

// Candidate is the text a decision is made about.
type Candidate struct {
	Key      string `json:"key"`
	Title    string `json:"title"`
	Abstract string `json:"abstract,omitempty"`
}

// Text returns title and abstract joined for lexical analysis.
func (c Candidate) Text() string {
	if c.Abstract == "" {
		return c.Title
	}
	return c.Title + "\n" + c.Abstract
}

// ClampConfidence bounds a confidence into [0,1].
func ClampConfidence(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
