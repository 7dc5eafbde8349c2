package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// keepaliveInterval is how often an SSE comment line goes out so idle
// streams survive proxies and load balancers.
const keepaliveInterval = 15 * time.Second

// Handlers holds the HTTP handler dependencies.
type Handlers struct {
	provider  StatusProvider
	sentiment SentimentSetter
	hub       *Hub
	logger    *slog.Logger
}

// NewHandlers creates a handlers instance.
func NewHandlers(provider StatusProvider, sentiment SentimentSetter, hub *Hub, logger *slog.Logger) *Handlers {
	return &Handlers{
		provider:  provider,
		sentiment: sentiment,
		hub:       hub,
		logger:    logger.With("component", "api-handlers"),
	}
}

// HandleHealth returns a liveness probe response.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// HandleStatus returns the full engine snapshot.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	snapshot := h.provider.Status()

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(snapshot); err != nil {
		h.logger.Error("failed to encode status", "error", err)
	}
}

// sentimentRequest is the POST /webhook/sentiment body. Score is a
// pointer so an absent field is distinguishable from an explicit 0.
type sentimentRequest struct {
	Symbol string   `json:"symbol"`
	Score  *float64 `json:"score"`
	Source string   `json:"source"`
}

// HandleSentimentWebhook feeds an external sentiment score into the
// signal ensemble. The body must name a symbol and carry a score in
// [-1, 1]; anything else is a 400.
func (h *Handlers) HandleSentimentWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req sentimentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	if req.Symbol == "" {
		http.Error(w, "symbol is required", http.StatusBadRequest)
		return
	}
	if req.Score == nil || *req.Score < -1 || *req.Score > 1 {
		http.Error(w, "score must be in [-1, 1]", http.StatusBadRequest)
		return
	}

	h.sentiment.SetSentiment(req.Symbol, *req.Score)
	h.logger.Info("sentiment updated",
		"symbol", req.Symbol, "score", *req.Score, "source", req.Source)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "accepted"})
}

// HandleEvents streams engine events as Server-Sent Events until the
// client disconnects or the hub shuts down.
func (h *Handlers) HandleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	sub := h.hub.Subscribe()
	defer h.hub.Unsubscribe(sub)

	// Commit the headers so the client sees an open stream immediately.
	fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	keepalive := time.NewTicker(keepaliveInterval)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case msg, open := <-sub:
			if !open {
				// Dropped as a slow consumer, or the hub stopped.
				return
			}
			fmt.Fprintf(w, "data: %s\n\n", msg)
			flusher.Flush()
		case <-keepalive.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		}
	}
}
