package run

import (
	"bytes"
	"strings"
)

// sanitizeBody decides what gets persisted as an execution's response
// body. HTML is stored as null so the history UI can never be handed
// attacker-controlled markup; everything else is stored verbatim.
//
// Returns (body, filtered): body is nil when the payload was empty or
// whitespace-only or recognized as HTML, filtered is true only in the
// HTML case.
func sanitizeBody(raw []byte) (*string, bool) {
	trimmed := bytes.TrimLeft(raw, " \t\r\n")
	if len(trimmed) == 0 {
		return nil, false
	}
	if looksLikeHTML(trimmed) {
		return nil, true
	}
	s := string(raw)
	return &s, false
}

func looksLikeHTML(trimmed []byte) bool {
	lower := strings.ToLower(string(trimmed))
	if strings.HasPrefix(lower, "<!doctype") {
		return true
	}
	if strings.HasPrefix(lower, "<html") {
		return true
	}
	if strings.HasPrefix(lower, "<") && strings.Contains(lower, "</html>") {
		return true
	}
	return false
}
