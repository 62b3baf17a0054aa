package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/leandrotocalini/wagate/internal/delivery"
	"github.com/leandrotocalini/wagate/internal/memwatch"
	"github.com/leandrotocalini/wagate/internal/pairing"
	"github.com/leandrotocalini/wagate/internal/supervisor"
)

const maxBodyBytes = 1 << 20

type healthResponse struct {
	Status        string         `json:"status"`
	Connection    string         `json:"connection"`
	State         string         `json:"state"`
	Timestamp     time.Time      `json:"timestamp"`
	Uptime        float64        `json:"uptime"` // seconds
	Memory        memwatch.Usage `json:"memory"`
	MemoryWarning *string        `json:"memoryWarning"`
}

// handleHealth always answers 200; problems are reported in the body.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	h := s.status.Health()

	conn := "disconnected"
	if h.Connected {
		conn = "connected"
	}
	var warning *string
	if h.Level == memwatch.LevelHigh {
		msg := "HIGH_MEMORY_USAGE"
		warning = &msg
	}

	JSON(w, http.StatusOK, healthResponse{
		Status:        "healthy",
		Connection:    conn,
		State:         s.sup.State().String(),
		Timestamp:     h.Timestamp,
		Uptime:        h.Uptime.Seconds(),
		Memory:        h.Memory,
		MemoryWarning: warning,
	})
}

// handleStatus always answers 200.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	JSON(w, http.StatusOK, s.status.Snapshot())
}

func (s *Server) handlePairingArtifact(w http.ResponseWriter, r *http.Request) {
	if s.sup.IsReady() {
		JSON(w, http.StatusOK, map[string]any{"success": true, "message": "Already connected"})
		return
	}
	art, ok := s.sup.PairingArtifact()
	if !ok {
		JSON(w, http.StatusOK, map[string]any{
			"success": false,
			"message": "Pairing code not available yet. Please wait or restart the session.",
		})
		return
	}
	JSON(w, http.StatusOK, map[string]any{
		"success":         true,
		"pairingArtifact": pairing.DataURL(art),
		"createdAt":       art.CreatedAt.UTC(),
	})
}

type validateRequest struct {
	Phone phoneValue `json:"phone"`
}

type contactInfo struct {
	Name          string  `json:"name"`
	IsMyContact   bool    `json:"isMyContact"`
	ProfilePicURL *string `json:"profilePicUrl"`
}

func (s *Server) handleValidateRecipient(w http.ResponseWriter, r *http.Request) {
	var req validateRequest
	decode(r, &req)

	v, err := s.pipeline.Validate(r.Context(), string(req.Phone))
	if err != nil {
		var de *delivery.Error
		if errors.As(err, &de) {
			deliveryError(w, http.StatusBadRequest, de)
			return
		}
		s.logger.Error("recipient validation failed", "error", err)
		Error(w, http.StatusInternalServerError, err.Error())
		return
	}

	var info *contactInfo
	if v.Contact != nil {
		info = &contactInfo{Name: v.Contact.Name, IsMyContact: v.Contact.IsMyContact}
		if info.Name == "" {
			info.Name = "Unknown"
		}
		if v.Contact.ProfilePicURL != "" {
			info.ProfilePicURL = &v.Contact.ProfilePicURL
		}
	}

	JSON(w, http.StatusOK, map[string]any{
		"success":        true,
		"phone":          v.Phone,
		"formattedPhone": v.FormattedPhone,
		"isRegistered":   v.IsRegistered,
		"contactInfo":    info,
		"timestamp":      now(),
	})
}

type sendRequest struct {
	Phone   phoneValue `json:"phone"`
	Message string     `json:"message"`
}

// handleSendMessage leaves body validation to the pipeline so readiness
// is always reported first.
func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	decode(r, &req)

	res := s.pipeline.Send(r.Context(), delivery.SendRequest{Phone: string(req.Phone), Body: req.Message})
	if !res.Success {
		code := http.StatusInternalServerError
		if res.Rejected() {
			code = http.StatusBadRequest
		}
		deliveryError(w, code, res.Err)
		return
	}

	JSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"messageId": res.MessageID,
		"attempts":  res.Attempts,
		"timestamp": now(),
	})
}

type bulkContact struct {
	Name  string     `json:"name"`
	Phone phoneValue `json:"phone"`
}

type bulkRequest struct {
	Contacts []bulkContact `json:"contacts"`
	Message  string        `json:"message"`
}

type bulkItem struct {
	Contact       bulkContact `json:"contact"`
	Success       bool        `json:"success"`
	MessageID     string      `json:"messageId,omitempty"`
	Attempts      int         `json:"attempts"`
	Error         string      `json:"error,omitempty"`
	OriginalError string      `json:"originalError,omitempty"`
	Kind          string      `json:"kind,omitempty"`
}

func (s *Server) handleSendBulk(w http.ResponseWriter, r *http.Request) {
	var req bulkRequest
	if err := decode(r, &req); err != nil {
		req = bulkRequest{}
	}

	var contacts []delivery.Contact
	if req.Contacts != nil {
		contacts = make([]delivery.Contact, len(req.Contacts))
		for i, c := range req.Contacts {
			contacts[i] = delivery.Contact{Name: c.Name, Phone: string(c.Phone)}
		}
	}

	job, err := s.pipeline.SendBulk(r.Context(), contacts, req.Message)
	if err != nil {
		var de *delivery.Error
		if errors.As(err, &de) {
			deliveryError(w, http.StatusBadRequest, de)
			return
		}
		if !errors.Is(err, context.Canceled) {
			Error(w, http.StatusInternalServerError, err.Error())
			return
		}
		// Client went away; nothing useful to send.
		return
	}

	items := make([]bulkItem, len(job.Results))
	for i, res := range job.Results {
		items[i] = bulkItem{
			Contact:   bulkContact{Name: res.Contact.Name, Phone: phoneValue(res.Contact.Phone)},
			Success:   res.Success,
			MessageID: res.MessageID,
			Attempts:  res.Attempts,
		}
		if res.Err != nil {
			items[i].Error = res.Err.Message
			items[i].OriginalError = res.Err.Original()
			items[i].Kind = res.Err.Kind.String()
		}
	}

	JSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"jobId":     job.ID,
		"results":   items,
		"timestamp": now(),
	})
}

// handleResetSession returns at once; teardown and re-initialization
// happen in the background.
func (s *Server) handleResetSession(w http.ResponseWriter, r *http.Request) {
	s.logger.Info("resetting session")
	go func() {
		if err := s.sup.Reset(context.Background()); err != nil {
			s.logger.Error("session reset failed", "error", err)
		}
	}()
	JSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "Session reset initiated. New QR code will be generated shortly.",
	})
}

func (s *Server) handleChats(w http.ResponseWriter, r *http.Request) {
	chats, ok, err := s.status.Chats(r.Context())
	if !ok {
		Error(w, http.StatusBadRequest, "WhatsApp client not ready")
		return
	}
	if err != nil {
		s.logger.Error("listing chats", "error", err)
		Error(w, http.StatusInternalServerError, err.Error())
		return
	}
	JSON(w, http.StatusOK, map[string]any{"success": true, "chats": chats})
}

// decode reads a JSON body into v. Callers that validate fields themselves
// may ignore the error and work with the zero value.
func decode(r *http.Request, v any) error {
	if r.Body == nil {
		return errors.New("empty body")
	}
	return json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodyBytes)).Decode(v)
}

// stateLabel is shown on the HTML pages.
func stateLabel(st supervisor.State) string {
	switch st {
	case supervisor.StateReady:
		return "Connected"
	case supervisor.StatePairingRequired:
		return "Waiting for QR scan"
	case supervisor.StateAuthenticating:
		return "Authenticating"
	case supervisor.StateAuthFailed:
		return "Authentication failed, retrying"
	case supervisor.StateDisconnected:
		return "Disconnected, reconnecting"
	default:
		return "Starting"
	}
}
