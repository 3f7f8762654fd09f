package classify

import (
	"fmt"
	"strings"
)

const systemPrompt = `You screen academic references for relevance to a research topic.
Answer with a single JSON object: {"status": "included"|"maybe"|"excluded",
"confidence": 0..1, "reason": "<one sentence>", "suggested_tags": ["..."]}.
Use "included" only when the work directly contributes to the topic.`

// SystemPrompt returns the fixed instructions sent with every item.
func SystemPrompt() string {
	return systemPrompt
}

// UserPrompt renders the per-item request.
func UserPrompt(topic string, c Candidate) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Topic: %s\n\n", strings.TrimSpace(topic))
	fmt.Fprintf(&b, "Title: %s\n", strings.TrimSpace(c.Title))
	if abstract := strings.TrimSpace(c.Abstract); abstract != "" {
		fmt.Fprintf(&b, "Abstract: %s\n", abstract)
	}
	return b.String()
}
