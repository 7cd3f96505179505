// Package handler implements the operational HTTP endpoints.
package handler

import (
	"bytes"
	"encoding/json"
	"net/http"

	"github.com/alanyoungcy/tradewatch/internal/domain"
)

// problem is the body of every error answer.
type problem struct {
	Error string `json:"error"`
	Book  string `json:"book,omitempty"`
}

// writeHealth writes v as an uncached JSON document.
func writeHealth(w http.ResponseWriter, status int, v any) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(v); err != nil {
		status = http.StatusInternalServerError
		buf.Reset()
		buf.WriteString(`{"error":"encode health"}`)
	}
	h := w.Header()
	h.Set("Content-Type", "application/json; charset=utf-8")
	h.Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_, _ = w.Write(buf.Bytes())
}

// writeProblem answers with an error about book, which may be zero.
func writeProblem(w http.ResponseWriter, status int, msg string, book domain.BookKey) {
	p := problem{Error: msg}
	if book != (domain.BookKey{}) {
		p.Book = book.String()
	}
	writeHealth(w, status, p)
}
