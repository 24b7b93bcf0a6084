package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/mioxoim/whisper-appliance-sub001/internal/updater"
)

const (
	MaxPayloadBytes = 1_000_000 // 1 MB

	// RecentAttemptsLimit caps the attempts returned by the status endpoint.
	RecentAttemptsLimit = 10
)

// HandleWebhook handles GitHub push webhooks. A valid push to the tracked
// branch triggers an asynchronous check-and-apply cycle; the handler
// acknowledges before the update runs because GitHub webhooks time out
// after ten seconds.
func (s *Server) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	if r.ContentLength > MaxPayloadBytes {
		s.respondJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": "Payload too large"})
		return
	}

	if r.Header.Get("Content-Type") != "application/json" {
		s.respondJSON(w, http.StatusUnsupportedMediaType, map[string]string{"error": "Invalid content type"})
		return
	}

	if r.Header.Get("X-GitHub-Event") != "push" {
		s.respondJSON(w, http.StatusOK, map[string]string{"message": "Ignoring non-push event"})
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, MaxPayloadBytes))
	if err != nil {
		s.Logger.Error("Failed to read request body", "error", err)
		s.respondJSON(w, http.StatusInternalServerError, map[string]string{"error": "Failed to read payload"})
		return
	}

	signature := r.Header.Get("X-Hub-Signature-256")
	if !VerifySignature(body, signature, s.Settings.WebhookSecret) {
		s.respondJSON(w, http.StatusForbidden, map[string]string{"error": "Invalid signature"})
		return
	}

	var payload map[string]interface{}
	if err := json.Unmarshal(body, &payload); err != nil {
		s.Logger.Error("Failed to parse JSON payload", "error", err)
		s.respondJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid JSON payload"})
		return
	}

	if len(payload) == 0 {
		s.respondJSON(w, http.StatusOK, map[string]string{"message": "Missing payload, skipping"})
		return
	}

	ref, _ := payload["ref"].(string)
	branch := s.Config.Record().Repository.Branch
	if ref != "" && ref != "refs/heads/"+branch {
		s.respondJSON(w, http.StatusOK, map[string]string{"message": "Not tracked branch, skipping"})
		return
	}

	// Reject early when an update is already applying instead of queuing:
	// GitHub retries are the queue.
	state := s.Updater.Status().State
	if state == updater.StateApplying || state == updater.StateVerifying {
		s.respondJSON(w, http.StatusTooManyRequests, map[string]string{"error": "Update already in progress"})
		return
	}

	s.respondJSON(w, http.StatusAccepted, map[string]string{
		"message": "Update check accepted",
		"branch":  branch,
	})

	s.updateWg.Add(1)
	go func() {
		defer s.updateWg.Done()
		result := s.Updater.PerformUpdate(context.Background())
		if result.Success {
			s.Logger.Info("webhook update completed",
				"from", result.FromVersion, "to", result.ToVersion, "message", result.Message)
		} else if result.Busy {
			s.Logger.Warn("webhook update rejected as busy")
		} else {
			s.Logger.Error("webhook update failed",
				"rolled_back", result.RolledBack, "message", result.Message)
		}
	}()
}

// HandleHealth answers monitoring probes. It stays available during
// maintenance windows.
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":          "ok",
		"version":         s.Config.CurrentVersion(),
		"deployment_type": string(s.Config.DeploymentType()),
		"maintenance":     s.Maintenance.IsActive(),
	})
}

// HandleStatus reports the updater snapshot plus recent update attempts.
func (s *Server) HandleStatus(w http.ResponseWriter, r *http.Request) {
	response := map[string]interface{}{
		"updater":     s.Updater.Status(),
		"maintenance": s.Maintenance.IsActive(),
	}

	if s.History != nil {
		latest, err := s.History.Latest(r.Context())
		if err != nil {
			s.Logger.Error("Failed to get latest update attempt", "error", err)
			s.respondJSON(w, http.StatusInternalServerError, map[string]string{"error": "Failed to fetch update status"})
			return
		}
		recent, err := s.History.Recent(r.Context(), RecentAttemptsLimit)
		if err != nil {
			s.Logger.Error("Failed to get update history", "error", err)
			s.respondJSON(w, http.StatusInternalServerError, map[string]string{"error": "Failed to fetch update status"})
			return
		}
		response["latest_attempt"] = latest
		response["recent_attempts"] = recent
	}

	s.respondJSON(w, http.StatusOK, response)
}

func (s *Server) respondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		// The header is already out; all we can do is log.
		if !strings.Contains(err.Error(), "broken pipe") {
			s.Logger.Error("Failed to encode JSON response", "error", err)
		}
	}
}
