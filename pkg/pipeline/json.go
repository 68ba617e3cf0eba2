package pipeline

import "strings"

// extractJSON pulls a single JSON object out of a model response, tolerating
// markdown code fences and surrounding prose. Returns "" when no balanced
// object is found.
func extractJSON(response string) string {
	response = strings.TrimSpace(response)
	if body, ok := fencedObject(response); ok {
		response = body
	}

	start := strings.IndexByte(response, '{')
	if start == -1 {
		return ""
	}
	return balancedObject(response[start:])
}

// fencedObject returns the body of the first markdown code fence when that
// body is an object. A ```json language tag reads the same as a bare fence.
func fencedObject(s string) (string, bool) {
	open := strings.Index(s, "```")
	if open == -1 {
		return "", false
	}
	body := s[open+3:]
	if nl := strings.IndexByte(body, '\n'); nl != -1 && !strings.ContainsAny(body[:nl], "{}") {
		// Drop the language tag line.
		body = body[nl+1:]
	}
	end := strings.Index(body, "```")
	if end == -1 {
		return "", false
	}
	body = strings.TrimSpace(body[:end])
	if !strings.HasPrefix(body, "{") {
		return "", false
	}
	return body, true
}

// balancedObject returns the prefix of s that forms one complete JSON
// object, or "" when the braces never balance. Braces inside string values
// do not count toward the depth.
func balancedObject(s string) string {
	if !strings.HasPrefix(s, "{") {
		return ""
	}

	depth := 0
	inString := false
	for i := 0; i < len(s); i++ {
		switch c := s[i]; {
		case inString && c == '\\':
			i++
		case c == '"':
			inString = !inString
		case inString:
		case c == '{':
			depth++
		case c == '}':
			depth--
			if depth == 0 {
				return s[:i+1]
			}
		}
	}
	return ""
}

// truncateString bounds a string for log output, marking the cut with "...".
func truncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
