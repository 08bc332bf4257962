package llm

import (
	"regexp"
	"strings"
)

// Pre-compiled patterns for JSON extraction from LLM responses.
var (
	// jsonBlockPattern matches JSON inside markdown code fences.
	jsonBlockPattern = regexp.MustCompile("(?s)```(?:json)?\\s*\\n?(\\{.*\\})\\s*```")
	// jsonObjectPattern matches any JSON object (greedy fallback).
	jsonObjectPattern = regexp.MustCompile(`(?s)\{[\s\S]*\}`)
	// trailingCommaPattern matches trailing commas before ] or }.
	trailingCommaPattern = regexp.MustCompile(`,\s*([}\]])`)
)

// ExtractJSON extracts a JSON object from an LLM response string. Workers
// are told to answer with a bare JSON envelope but routinely wrap it in
// markdown fences, comments, or trailing commas; this repairs those.
func ExtractJSON(content string) string {
	var raw string
	if matches := jsonBlockPattern.FindStringSubmatch(content); len(matches) > 1 {
		raw = matches[1]
	} else if match := jsonObjectPattern.FindString(content); match != "" {
		raw = match
	}
	if raw == "" {
		return ""
	}
	return cleanJSON(raw)
}

// cleanJSON removes JavaScript-style comments and trailing commas.
func cleanJSON(raw string) string {
	lines := strings.Split(raw, "\n")
	cleaned := make([]string, 0, len(lines))
	for _, line := range lines {
		cleaned = append(cleaned, stripLineComment(line))
	}
	result := strings.Join(cleaned, "\n")

	return trailingCommaPattern.ReplaceAllString(result, "$1")
}

// stripLineComment removes a // comment from a JSON line, respecting string
// values so URLs like "http://example.com" survive.
func stripLineComment(line string) string {
	if !strings.Contains(line, "//") {
		return line
	}

	inString := false
	escaped := false
	for i := 0; i < len(line); i++ {
		ch := line[i]
		if escaped {
			escaped = false
			continue
		}
		if ch == '\\' && inString {
			escaped = true
			continue
		}
		if ch == '"' {
			inString = !inString
			continue
		}
		if !inString && ch == '/' && i+1 < len(line) && line[i+1] == '/' {
			return strings.TrimRight(line[:i], " \t")
		}
	}
	return line
}
