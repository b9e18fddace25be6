package relay

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/mintlane/relay/models"
)

// MaxEventSize bounds the ingestion body. Events are transient
// notifications, not blobs.
const MaxEventSize = 64 * 1024

func (c *Core) publishHandler(w http.ResponseWriter, r *http.Request) {
	if !c.authorized(r) {
		c.logger.Warn("Unauthorized publish attempt", "remote_addr", r.RemoteAddr)
		respondJSON(w, http.StatusUnauthorized, models.ErrorResponse{Error: "invalid or missing bearer token"})
		return
	}

	defer r.Body.Close()
	bodyBytes, err := io.ReadAll(io.LimitReader(r.Body, MaxEventSize+1))
	if err != nil {
		c.logger.Error("Could not read body for publish request", "error", err)
		respondJSON(w, http.StatusBadRequest, models.ErrorResponse{Error: "unreadable body"})
		return
	}
	if len(bodyBytes) > MaxEventSize {
		respondJSON(w, http.StatusBadRequest, models.ErrorResponse{Error: "event too large"})
		return
	}

	var p models.PublishRequest
	if err := json.Unmarshal(bodyBytes, &p); err != nil {
		c.logger.Warn("Invalid JSON payload for publish request", "error", err)
		respondJSON(w, http.StatusBadRequest, models.ErrorResponse{Error: "invalid JSON payload"})
		return
	}

	if strings.TrimSpace(p.Topic) == "" {
		respondJSON(w, http.StatusBadRequest, models.ErrorResponse{Error: "topic is required"})
		return
	}
	if strings.TrimSpace(p.Event) == "" {
		respondJSON(w, http.StatusBadRequest, models.ErrorResponse{Error: "event is required"})
		return
	}

	data := []byte(p.Data)
	if len(data) == 0 {
		data = []byte("{}")
	}

	// Compact to a single line so the payload always fits one data:
	// field of the wire frame. This also rejects payloads that are not
	// valid JSON before anything touches a subscriber.
	var compacted bytes.Buffer
	if err := json.Compact(&compacted, data); err != nil {
		c.logger.Warn("Publish payload is not valid JSON", "error", err)
		respondJSON(w, http.StatusBadRequest, models.ErrorResponse{Error: "data is not valid JSON"})
		return
	}

	topic := NormalizeTopic(p.Topic)
	c.logger.Debug("Publishing event", "topic", topic, "original_topic", p.Topic, "event", p.Event)

	c.registry.Publish(topic, p.Event, compacted.Bytes())

	respondJSON(w, http.StatusOK, models.PublishReceipt{OK: true})
}

func (c *Core) statusHandler(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, models.Status{
		OK:            true,
		UptimeSeconds: int64(time.Since(c.startedAt).Seconds()),
		Topics:        c.registry.TopicCount(),
		Subscribers:   c.registry.SubscriberCount(),
		Started:       c.startedAt.UTC().Format(time.RFC3339),
	})
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		// Headers are already out; nothing useful left to do.
		return
	}
}
