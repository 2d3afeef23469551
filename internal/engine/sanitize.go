package engine

import (
	"encoding/json"
)

const (
	// maxDetailStringLen caps every string stored in a usage detail blob.
	maxDetailStringLen = 200
	// maxScrubDepth breaks cycles when walking decoded error objects.
	maxScrubDepth = 16
)

// conversationalFields are stripped from logged upstream error objects so
// user message content never lands in the usage log.
var conversationalFields = map[string]bool{
	"messages": true,
	"prompt":   true,
	"input":    true,
	"content":  true,
}

// failureDetail renders a sanitized JSON blob for one failed attempt.
func failureDetail(statusCode int, respBody []byte, dispatchErr error) string {
	detail := make(map[string]any, 2)

	if dispatchErr != nil {
		detail["transport_error"] = truncateDetail(dispatchErr.Error())
	} else {
		detail["status"] = statusCode
		var decoded any
		if err := json.Unmarshal(respBody, &decoded); err == nil {
			detail["error"] = scrub(decoded, 0)
		} else {
			detail["error"] = truncateDetail(string(respBody))
		}
	}

	return marshalDetail(detail)
}

// successDetail summarizes a non-streaming success: id, created, usage, and
// per-choice finish reasons. Message text is never recorded.
func successDetail(respBody []byte) string {
	var parsed struct {
		ID      string          `json:"id"`
		Created int64           `json:"created"`
		Usage   json.RawMessage `json:"usage"`
		Choices []struct {
			FinishReason string `json:"finish_reason"`
		} `json:"choices"`
	}

	detail := make(map[string]any, 4)
	if err := json.Unmarshal(respBody, &parsed); err == nil {
		if parsed.ID != "" {
			detail["id"] = parsed.ID
		}
		if parsed.Created != 0 {
			detail["created"] = parsed.Created
		}
		if len(parsed.Usage) > 0 && string(parsed.Usage) != "null" {
			detail["usage"] = parsed.Usage
		}
		if len(parsed.Choices) > 0 {
			reasons := make([]string, len(parsed.Choices))
			for i, c := range parsed.Choices {
				reasons[i] = c.FinishReason
			}
			detail["finish_reasons"] = reasons
		}
	}

	return marshalDetail(detail)
}

// streamDetail is the success record written at dispatch time for streaming
// responses, before any chunk is piped.
func streamDetail(upstreamRequestID string) string {
	detail := map[string]any{"stream": true}
	if upstreamRequestID != "" {
		detail["upstream_request_id"] = upstreamRequestID
	}
	return marshalDetail(detail)
}

// scrub walks a decoded error object, dropping conversational fields and
// truncating long strings. Depth-bounded so hostile nesting cannot recurse
// away.
func scrub(v any, depth int) any {
	if depth > maxScrubDepth {
		return "[truncated: too deep]"
	}

	switch val := v.(type) {
	case string:
		return truncateDetail(val)
	case map[string]any:
		out := make(map[string]any, len(val))
		for key, item := range val {
			if conversationalFields[key] {
				continue
			}
			out[key] = scrub(item, depth+1)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = scrub(item, depth+1)
		}
		return out
	default:
		return v
	}
}

func truncateDetail(s string) string {
	if len(s) > maxDetailStringLen {
		return s[:maxDetailStringLen]
	}
	return s
}

func marshalDetail(detail map[string]any) string {
	b, err := json.Marshal(detail)
	if err != nil {
		return `{"error":"detail not serializable"}`
	}
	return string(b)
}
