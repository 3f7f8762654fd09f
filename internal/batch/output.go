package batch

import (
	"bufio"
	"bytes"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/jackzampolin/screener/internal/classify"
)

// LineError describes an output line that could not be turned into an entry.
type LineError struct {
	Line     int    `json:"line"`
	CustomID string `json:"custom_id,omitempty"`
	Key      string `json:"key,omitempty"`
	Error    string `json:"error"`
}

// Decode parses batch output NDJSON into classification entries. Lines
// that fail are reported individually and never abort the decode.
func Decode(data []byte) ([]classify.Entry, []LineError) {
	var entries []classify.Entry
	var problems []LineError

	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	n := 0
	for sc.Scan() {
		n++
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		if !gjson.ValidBytes(line) {
			problems = append(problems, LineError{Line: n, Error: "invalid JSON"})
			continue
		}
		customID := gjson.GetBytes(line, "custom_id").String()
		key, ok := ParseCustomID(customID)
		if !ok {
			problems = append(problems, LineError{Line: n, CustomID: customID, Error: "unrecognized custom_id"})
			continue
		}
		if msg := lineError(line); msg != "" {
			problems = append(problems, LineError{Line: n, CustomID: customID, Key: key, Error: msg})
			continue
		}
		content := extractContent(gjson.GetBytes(line, "response.body"))
		if content == "" {
			problems = append(problems, LineError{Line: n, CustomID: customID, Key: key, Error: "no model output in response"})
			continue
		}
		entry, err := classify.ParseDecision(key, []byte(content))
		if err != nil {
			problems = append(problems, LineError{Line: n, CustomID: customID, Key: key, Error: err.Error()})
			continue
		}
		entries = append(entries, entry)
	}
	if err := sc.Err(); err != nil {
		problems = append(problems, LineError{Line: n + 1, Error: fmt.Sprintf("read output: %v", err)})
	}
	return entries, problems
}

func lineError(line []byte) string {
	if e := gjson.GetBytes(line, "error"); e.Exists() && e.Type != gjson.Null {
		if msg := e.Get("message").String(); msg != "" {
			return msg
		}
		return e.Raw
	}
	if code := gjson.GetBytes(line, "response.status_code"); code.Exists() && code.Int() != 200 {
		msg := gjson.GetBytes(line, "response.body.error.message").String()
		if msg == "" {
			msg = "request failed"
		}
		return fmt.Sprintf("status %d: %s", code.Int(), msg)
	}
	return ""
}

// extractContent reads the model text from either the chat completion shape
// or the responses shape, trying the other when the first is absent.
func extractContent(body gjson.Result) string {
	if s := chatContent(body); s != "" {
		return s
	}
	return responsesContent(body)
}

func chatContent(body gjson.Result) string {
	msg := body.Get("choices.0.message")
	if c := msg.Get("content"); c.Type == gjson.String && strings.TrimSpace(c.String()) != "" {
		return c.String()
	}
	// Some models answer through a parsed or refusal field.
	if p := msg.Get("parsed"); p.IsObject() {
		return p.Raw
	}
	return ""
}

func responsesContent(body gjson.Result) string {
	if s := body.Get("output_text"); s.Type == gjson.String && strings.TrimSpace(s.String()) != "" {
		return s.String()
	}
	var parts []string
	body.Get("output").ForEach(func(_, item gjson.Result) bool {
		item.Get("content").ForEach(func(_, c gjson.Result) bool {
			if t := c.Get("text"); t.Type == gjson.String && t.String() != "" {
				parts = append(parts, t.String())
			}
			return true
		})
		return true
	})
	return strings.Join(parts, "")
}
