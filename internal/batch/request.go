package batch

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackzampolin/screener/internal/classify"
)

const (
	customIDPrefix = "topic_"
	schemaName     = "screening_decision"
)

// CustomID names request n for item key.
func CustomID(n int, key string) string {
	return customIDPrefix + strconv.Itoa(n) + "_" + key
}

// ParseCustomID recovers the item key from a topic_<n>_<key> id.
func ParseCustomID(id string) (string, bool) {
	rest, ok := strings.CutPrefix(id, customIDPrefix)
	if !ok {
		return "", false
	}
	num, key, ok := strings.Cut(rest, "_")
	if !ok || key == "" {
		return "", false
	}
	if _, err := strconv.Atoi(num); err != nil {
		return "", false
	}
	return key, true
}

type requestLine struct {
	CustomID string `json:"custom_id"`
	Method   string `json:"method"`
	URL      string `json:"url"`
	Body     any    `json:"body"`
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// BuildRequests renders one request per candidate as NDJSON for endpoint.
func BuildRequests(endpoint, model, topic string, candidates []classify.Candidate) ([]byte, error) {
	if !IsSupportedEndpoint(endpoint) {
		return nil, fmt.Errorf("unsupported batch endpoint %q", endpoint)
	}
	if len(candidates) == 0 {
		return nil, fmt.Errorf("no candidates to submit")
	}
	schema := json.RawMessage(classify.DecisionSchema)

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for i, c := range candidates {
		msgs := []message{
			{Role: "system", Content: classify.SystemPrompt()},
			{Role: "user", Content: classify.UserPrompt(topic, c)},
		}
		var body any
		if endpoint == EndpointResponses {
			body = map[string]any{
				"model": model,
				"input": msgs,
				"text": map[string]any{
					"format": map[string]any{
						"type":   "json_schema",
						"name":   schemaName,
						"strict": true,
						"schema": schema,
					},
				},
			}
		} else {
			body = map[string]any{
				"model":    model,
				"messages": msgs,
				"response_format": map[string]any{
					"type": "json_schema",
					"json_schema": map[string]any{
						"name":   schemaName,
						"strict": true,
						"schema": schema,
					},
				},
			}
		}
		line := requestLine{
			CustomID: CustomID(i+1, c.Key),
			Method:   "POST",
			URL:      endpoint,
			Body:     body,
		}
		if err := enc.Encode(line); err != nil {
			return nil, fmt.Errorf("encode request for %s: %w", c.Key, err)
		}
	}
	return buf.Bytes(), nil
}
