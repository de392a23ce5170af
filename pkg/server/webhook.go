package server

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/pkg/errors"

	"github.com/taniahq/tania/pkg/logger"
	"github.com/taniahq/tania/pkg/queue"
	"github.com/taniahq/tania/pkg/types/chat"
)

const maxWebhookBody = 1 << 20 // 1 MiB

// Auth failure codes returned to the webhook caller.
const (
	codeMissingAuthHeaders = "MISSING_AUTH_HEADERS"
	codeStaleTimestamp     = "STALE_TIMESTAMP"
	codeInvalidSignature   = "INVALID_SIGNATURE"
)

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "UNREADABLE_BODY")
		return
	}

	if code := s.verifySignature(r.Header.Get("X-Timestamp"), r.Header.Get("X-Signature"), body); code != "" {
		logger.G(ctx).WithField("code", code).Warn("webhook rejected")
		writeError(w, http.StatusUnauthorized, code)
		return
	}

	var payload chat.WebhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_PAYLOAD")
		return
	}
	if !payload.Incoming() {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}

	job := chat.Job{
		ConversationID: strconv.FormatInt(payload.Conversation.ID, 10),
		AccountID:      strconv.FormatInt(payload.Account.ID, 10),
		Message:        payload.Content,
		ReceivedAt:     s.opts.Now(),
	}
	if sender := payload.Conversation.Meta.Sender.ID; sender != 0 {
		job.ContactID = strconv.FormatInt(sender, 10)
	}

	if s.queue == nil {
		writeError(w, http.StatusServiceUnavailable, "QUEUE_UNAVAILABLE")
		return
	}
	if err := s.queue.Enqueue(ctx, job); err != nil {
		if errors.Is(err, queue.ErrQueueFull) {
			writeError(w, http.StatusServiceUnavailable, "QUEUE_FULL")
			return
		}
		logger.G(ctx).WithError(err).Error("failed to enqueue webhook job")
		writeError(w, http.StatusInternalServerError, "ENQUEUE_FAILED")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
}

// verifySignature checks the hex HMAC-SHA256 over "ts.body". An empty shared
// secret disables the check for local development. Returns the failure code
// or "" on success.
func (s *Server) verifySignature(tsHeader, sigHeader string, body []byte) string {
	if s.opts.SharedSecret == "" {
		return ""
	}
	if tsHeader == "" || sigHeader == "" {
		return codeMissingAuthHeaders
	}
	ts, err := strconv.ParseInt(tsHeader, 10, 64)
	if err != nil {
		return codeStaleTimestamp
	}
	skew := s.opts.Now().Unix() - ts
	if skew < 0 {
		skew = -skew
	}
	if skew > int64(s.opts.MaxSkew.Seconds()) {
		return codeStaleTimestamp
	}

	mac := hmac.New(sha256.New, []byte(s.opts.SharedSecret))
	mac.Write([]byte(tsHeader))
	mac.Write([]byte("."))
	mac.Write(body)
	expected := mac.Sum(nil)

	provided, err := hex.DecodeString(sigHeader)
	if err != nil || !hmac.Equal(expected, provided) {
		return codeInvalidSignature
	}
	return ""
}
