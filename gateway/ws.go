package gateway

import (
	"errors"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pquerna/ffjson/ffjson"

	"github.com/4406arthur/verity/domain"
)

//JobService is the orchestrator surface the gateway exposes to clients.
type JobService interface {
	Submit(sub domain.Submission) (string, error)
	Cancel(jobID, requestor string) error
	Snapshot(jobID string) (domain.Job, error)
}

//Server terminates client HTTP and websocket traffic.
type Server struct {
	manager  *Manager
	jobs     JobService
	upgrader websocket.Upgrader
}

//NewServer ...
func NewServer(manager *Manager, jobs JobService) *Server {
	return &Server{
		manager: manager,
		jobs:    jobs,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// origin policy is the deployment edge's concern
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

//Routes registers the gateway endpoints on a fresh mux.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.HandleFunc("/jobs", s.handleSubmit)
	mux.HandleFunc("/jobs/", s.handleJob)
	mux.HandleFunc("/ws/jobs/", s.handleSocket)
	return mux
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	subj, err := s.subjectFromRequest(r)
	if err != nil {
		http.Error(w, "unauthenticated", http.StatusUnauthorized)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<16))
	if err != nil {
		http.Error(w, "unreadable body", http.StatusBadRequest)
		return
	}
	var req struct {
		MediaRef string `json:"media_ref"`
	}
	if err := ffjson.Unmarshal(body, &req); err != nil {
		http.Error(w, "undecodable body", http.StatusBadRequest)
		return
	}

	jobID, err := s.jobs.Submit(domain.Submission{MediaRef: req.MediaRef, Owner: subj.ID})
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": jobID})
}

func (s *Server) handleJob(w http.ResponseWriter, r *http.Request) {
	jobID := strings.TrimPrefix(r.URL.Path, "/jobs/")
	if jobID == "" {
		http.Error(w, "missing job id", http.StatusBadRequest)
		return
	}
	subj, err := s.subjectFromRequest(r)
	if err != nil {
		http.Error(w, "unauthenticated", http.StatusUnauthorized)
		return
	}

	switch r.Method {
	case http.MethodGet:
		snap, err := s.jobs.Snapshot(jobID)
		if err != nil {
			http.Error(w, "job not found", http.StatusNotFound)
			return
		}
		if !subj.Permitted(snap.Owner) {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		writeJSON(w, http.StatusOK, snap)
	case http.MethodDelete:
		err := s.jobs.Cancel(jobID, subj.ID)
		switch {
		case errors.Is(err, domain.ErrNotFound):
			http.Error(w, "job not found", http.StatusNotFound)
		case errors.Is(err, domain.ErrForbidden):
			http.Error(w, "forbidden", http.StatusForbidden)
		case err != nil:
			http.Error(w, err.Error(), http.StatusInternalServerError)
		default:
			w.WriteHeader(http.StatusNoContent)
		}
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleSocket upgrades the live progress channel. The connection is closed
// with a distinct application code on auth failure so clients can tell a bad
// token apart from transport trouble.
func (s *Server) handleSocket(w http.ResponseWriter, r *http.Request) {
	jobID := strings.TrimPrefix(r.URL.Path, "/ws/jobs/")
	token := bearerToken(r)

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	tr := newWSTransport(ws)
	conn := NewConnection(uuid.NewString(), tr)

	if _, err := s.manager.Authenticate(conn, token); err != nil {
		tr.CloseWith(CloseUnauthenticated, "authentication failed")
		return
	}

	if err := s.manager.Attach(conn, jobID); err != nil {
		switch {
		case errors.Is(err, domain.ErrNotFound):
			tr.CloseWith(CloseNotFound, "unknown job")
		case errors.Is(err, domain.ErrForbidden):
			tr.CloseWith(CloseForbidden, "not authorized for this job")
		default:
			tr.CloseWith(websocket.CloseInternalServerErr, "attach failed")
		}
		return
	}

	ws.SetPingHandler(func(appData string) error {
		s.manager.OnHeartbeat(conn.ID)
		return ws.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(5*time.Second))
	})

	// client-to-server traffic is limited to heartbeat pings
	for {
		_, msg, err := ws.ReadMessage()
		if err != nil {
			s.manager.Detach(conn.ID)
			return
		}
		if isHeartbeat(msg) {
			s.manager.OnHeartbeat(conn.ID)
			tr.WriteEvent(domain.Event{
				JobID:     jobID,
				Kind:      domain.EventHeartbeat,
				Timestamp: time.Now().UTC(),
				Message:   "pong",
			})
		}
	}
}

func (s *Server) subjectFromRequest(r *http.Request) (Subject, error) {
	return s.manager.auth.Authenticate(bearerToken(r))
}

// bearerToken pulls the token from the query string, the Authorization
// header or a cookie; which one the client uses is its own concern.
func bearerToken(r *http.Request) string {
	if tok := r.URL.Query().Get("token"); tok != "" {
		return tok
	}
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	if c, err := r.Cookie("token"); err == nil {
		return c.Value
	}
	return ""
}

func isHeartbeat(msg []byte) bool {
	if string(msg) == "ping" {
		return true
	}
	var m struct {
		Type string `json:"type"`
	}
	if err := ffjson.Unmarshal(msg, &m); err != nil {
		return false
	}
	return m.Type == "ping"
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	jsonByte, err := ffjson.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(jsonByte)
}

//wsTransport adapts a gorilla connection to the Transport contract. A mutex
//serializes writes: the forwarder and the pong path share the socket.
type wsTransport struct {
	mu sync.Mutex
	ws *websocket.Conn
}

func newWSTransport(ws *websocket.Conn) *wsTransport {
	return &wsTransport{ws: ws}
}

func (t *wsTransport) WriteEvent(ev domain.Event) error {
	jsonByte, err := ffjson.Marshal(&ev)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return t.ws.WriteMessage(websocket.TextMessage, jsonByte)
}

func (t *wsTransport) CloseWith(code int, reason string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	deadline := time.Now().Add(time.Second)
	if err := t.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline); err != nil &&
		!errors.Is(err, websocket.ErrCloseSent) {
		log.Printf("[Debug] close write failed: %s", err.Error())
	}
	t.ws.Close()
}
