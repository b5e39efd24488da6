package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"sync"

	"github.com/fatih/color"

	"github.com/aura-studio/rdsmq"
)

// printer writes deliveries to w. JSON bodies are indented.
type printer struct {
	mu      sync.Mutex
	w       io.Writer
	header  *color.Color
	missing *color.Color
}

func newPrinter(w io.Writer) *printer {
	return &printer{
		w:       w,
		header:  color.New(color.FgCyan, color.Bold),
		missing: color.New(color.FgYellow),
	}
}

func (p *printer) handle(_ context.Context, list string, d rdsmq.Delivery) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.header.Fprintf(p.w, "[%s] %s\n", list, d.ID)
	if !d.Found {
		p.missing.Fprintln(p.w, "  (body expired or removed)")
		return nil
	}
	_, err := io.WriteString(p.w, formatBody(d.Body)+"\n")
	return err
}

func formatBody(body string) string {
	var buf bytes.Buffer
	if json.Valid([]byte(body)) {
		if err := json.Indent(&buf, []byte(body), "  ", "  "); err == nil {
			return "  " + buf.String()
		}
	}
	return "  " + body
}
