package swarm

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/selivandex/tradeswarm/pkg/logger"
	"github.com/selivandex/tradeswarm/pkg/models"
)

// Server exposes the registry and agent surfaces over HTTP. The JSON edge
// proper (auth, status mapping, dashboard) lives outside the core; this is
// the raw operational surface.
type Server struct {
	registry  *Registry
	transport *LocalTransport
	mux       *http.ServeMux
}

// NewServer wires the swarm HTTP surface
func NewServer(registry *Registry, transport *LocalTransport) *Server {
	s := &Server{
		registry:  registry,
		transport: transport,
		mux:       http.NewServeMux(),
	}

	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.HandleFunc("/register", s.handleRegister)
	s.mux.HandleFunc("/agents", s.handleAgents)
	s.mux.HandleFunc("/subscriptions", s.handleSubscriptions)
	s.mux.HandleFunc("/subscriptions/subscribe", s.handleSubscribe)
	s.mux.HandleFunc("/subscriptions/unsubscribe", s.handleUnsubscribe)
	s.mux.HandleFunc("/queue/enqueue", s.handleEnqueue)
	s.mux.HandleFunc("/queue/publish", s.handlePublish)
	s.mux.HandleFunc("/queue/poll", s.handlePoll)
	s.mux.HandleFunc("/queue/dispatch", s.handleDispatch)
	s.mux.HandleFunc("/queue/state", s.handleQueueState)
	s.mux.HandleFunc("/recovery/requeue-dead-letter", s.handleRequeue)
	s.mux.HandleFunc("/agents/", s.handleAgentRoute)

	return s
}

// Handler returns the HTTP handler for mounting
func (s *Server) Handler() http.Handler {
	return s.mux
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"agents": len(s.registry.Agents()),
		"queue":  s.registry.QueueState(),
	})
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var status models.AgentStatus
	if err := json.NewDecoder(r.Body).Decode(&status); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.registry.Register(status); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ack": true})
}

func (s *Server) handleAgents(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"agents": s.registry.Agents()})
}

func (s *Server) handleSubscriptions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"subscriptions": s.registry.Subscriptions()})
}

type subscriptionBody struct {
	AgentID string `json:"agent_id"`
	Topic   string `json:"topic"`
}

func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	s.handleSubscription(w, r, s.registry.Subscribe)
}

func (s *Server) handleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	s.handleSubscription(w, r, s.registry.Unsubscribe)
}

func (s *Server) handleSubscription(w http.ResponseWriter, r *http.Request, op func(models.AgentID, string) error) {
	var body subscriptionBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	id, err := models.ParseAgentID(body.AgentID)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := op(id, body.Topic); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ack": true})
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Message     models.Message `json:"message"`
		DelayMS     int64          `json:"delay_ms"`
		MaxAttempts int            `json:"max_attempts"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	queueID, err := s.registry.Enqueue(&body.Message, time.Duration(body.DelayMS)*time.Millisecond, body.MaxAttempts)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"queue_id": queueID})
}

func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Source  string         `json:"source"`
		Topic   string         `json:"topic"`
		Payload map[string]any `json:"payload"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	source, err := models.ParseAgentID(body.Source)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	enqueued, err := s.registry.Publish(source, body.Topic, body.Payload)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"enqueued": enqueued})
}

func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	agentID, err := models.ParseAgentID(r.URL.Query().Get("agent_id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	msgs, err := s.registry.Poll(agentID, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs, "count": len(msgs)})
}

func (s *Server) handleDispatch(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	result, err := s.registry.Dispatch(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleQueueState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.registry.QueueState())
}

func (s *Server) handleRequeue(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	requeued, err := s.registry.RequeueDeadLetters(limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"requeued": requeued})
}

// handleAgentRoute forwards /agents/{type}/{path...} to the hosted agent
func (s *Server) handleAgentRoute(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/agents/")
	parts := strings.SplitN(rest, "/", 2)
	if len(parts) != 2 {
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown route %s", r.URL.Path))
		return
	}

	id := models.NewAgentID(models.AgentType(parts[0]))
	path := "/" + parts[1]

	s.transport.mu.RLock()
	host, ok := s.transport.hosts[id.String()]
	s.transport.mu.RUnlock()
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("agent %s not hosted", id))
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	// Query-style poll limits arrive on the URL for GET routes
	if path == "/swarm/poll" && len(body) == 0 {
		if limit := r.URL.Query().Get("limit"); limit != "" {
			body = []byte(fmt.Sprintf(`{"limit":%s}`, limit))
		}
	}

	result, err := host.Request(r.Context(), path, body)
	if err != nil {
		logger.Debug("agent route failed",
			zap.String("agent", id.String()),
			zap.String("path", path),
			zap.Error(err),
		)
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}
