package server

import (
	"encoding/json"
	"io"
	"net/http"
	"sync"

	"example.com/a429gate/internal/rules"
)

// NDJSONWriter streams newline-delimited JSON objects to the underlying
// writer. It is safe for concurrent use; the rule engine may deliver
// diagnostics from several workers at once.
type NDJSONWriter struct {
	mu      sync.Mutex
	writer  io.Writer
	flusher http.Flusher
}

// NewNDJSONWriter wraps the provided ResponseWriter. If the writer supports
// http.Flusher every record is flushed immediately so clients see
// diagnostics while the run is still in progress.
func NewNDJSONWriter(w http.ResponseWriter) *NDJSONWriter {
	var flusher http.Flusher
	if f, ok := w.(http.Flusher); ok {
		flusher = f
	}
	return &NDJSONWriter{writer: w, flusher: flusher}
}

// WriteDiagnostic writes one diagnostic as a single NDJSON record.
func (w *NDJSONWriter) WriteDiagnostic(d rules.Diagnostic) error {
	return w.WriteObject(d)
}

// WriteError writes a terminal error record. Streaming responses have
// already committed a 200 status, so failures surface as a typed row.
func (w *NDJSONWriter) WriteError(err error) error {
	return w.WriteObject(map[string]any{
		"type":  "error",
		"error": err.Error(),
	})
}

// WriteObject marshals v, writes it followed by a newline and flushes.
func (w *NDJSONWriter) WriteObject(v any) error {
	if w == nil {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := w.writer.Write(data); err != nil {
		return err
	}
	if _, err := w.writer.Write([]byte("\n")); err != nil {
		return err
	}
	if w.flusher != nil {
		w.flusher.Flush()
	}
	return nil
}
