package types

import (
	"strings"
	"unicode/utf8"
)

// MaxBodyLength is measured in characters after trimming.
const MaxBodyLength = 4000

// MaxReplySnapshotLength bounds the quoted text stored with a reply.
const MaxReplySnapshotLength = 280

// Sanitize trims the body and collapses every whitespace run to a single
// space. Whitespace is anything unicode.IsSpace accepts, as in TrimSpace.
func Sanitize(body string) string {
	return strings.Join(strings.Fields(body), " ")
}

// MessagePayload is the validated subset of a send request.
type MessagePayload struct {
	TicketID  int64
	Body      string
	ReplyToID *int64
}

// Validate collects every violation instead of stopping at the first.
func (p MessagePayload) Validate() []ErrorKind {
	var kinds []ErrorKind
	if p.TicketID <= 0 {
		kinds = append(kinds, ErrKindTicketIDInvalid)
	}
	kinds = append(kinds, ValidateBody(p.Body)...)
	if p.ReplyToID != nil && *p.ReplyToID <= 0 {
		kinds = append(kinds, ErrKindReplyToIDInvalid)
	}
	return kinds
}

// ValidateBody checks the emptiness and length rules shared by create and edit.
func ValidateBody(body string) []ErrorKind {
	trimmed := strings.TrimSpace(body)
	if trimmed == "" {
		return []ErrorKind{ErrKindBodyEmpty}
	}
	if utf8.RuneCountInString(trimmed) > MaxBodyLength {
		return []ErrorKind{ErrKindBodyTooLong}
	}
	return nil
}

// TruncateRunes cuts s to at most n characters.
func TruncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n])
}
