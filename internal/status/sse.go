package status

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"
)

// sseKeepAlive is the comment-ping interval that keeps idle push connections
// from being reaped by intermediaries.
const sseKeepAlive = 25 * time.Second

// ServeSSE streams a document's StatusEvents to one subscriber over
// Server-Sent Events until the client disconnects or a terminal event is
// delivered. Each subscriber connection is independently cancellable; a
// disconnect never affects pipeline progress.
func (b *Broker) ServeSSE(w http.ResponseWriter, r *http.Request, documentID string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	sub := b.Subscribe(documentID)
	defer sub.Cancel()

	keepAlive := time.NewTicker(sseKeepAlive)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepAlive.C:
			fmt.Fprint(w, ": keep-alive\n\n")
			flusher.Flush()
		case event, ok := <-sub.Events():
			if !ok {
				return
			}
			payload, err := json.Marshal(event)
			if err != nil {
				log.Printf("[status] marshal event for document %s: %v", documentID, err)
				continue
			}
			fmt.Fprintf(w, "event: status\ndata: %s\n\n", payload)
			flusher.Flush()
			if event.Terminal() {
				// Terminal stage: the stream is complete. Subscribers that
				// missed this event recover it via the status query endpoint.
				return
			}
		}
	}
}
