package query

import (
	"strings"
	"unicode/utf8"

	"flydelta/internal/domain"
)

// EncodeTicket returns the opaque ticket for sql. The ticket is the SQL text
// itself, so the data phase needs no server-side state from the info phase.
func EncodeTicket(sql string) []byte {
	return []byte(sql)
}

// DecodeTicket recovers the SQL text from a ticket.
func DecodeTicket(ticket []byte) (string, error) {
	if !utf8.Valid(ticket) {
		return "", domain.ErrValidation("ticket is not valid UTF-8")
	}
	sql := string(ticket)
	if strings.TrimSpace(sql) == "" {
		return "", domain.ErrValidation("ticket is empty")
	}
	return sql, nil
}
