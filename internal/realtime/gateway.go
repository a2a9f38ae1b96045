package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/hermesthecat/hermes-pm2-web-ui/internal/auth"
	"github.com/hermesthecat/hermes-pm2-web-ui/internal/process"
	"github.com/hermesthecat/hermes-pm2-web-ui/pkg/api"
)

// snapshotTTL bounds how often a burst of status events re-queries the
// backend for the processes:updated payload.
const snapshotTTL = 500 * time.Millisecond

// Bus is the slice of the process manager the gateway needs
type Bus interface {
	Subscribe(kind process.EventKind, h process.Handler) (*process.Subscription, error)
	Unsubscribe(sub *process.Subscription)
	List(ctx context.Context) ([]api.Process, error)
}

// TokenVerifier authenticates handshakes
type TokenVerifier interface {
	VerifyToken(token string) (*auth.Claims, error)
}

// ProjectResolver resolves a project id to its membership snapshot
type ProjectResolver interface {
	Get(id string) (*api.Project, error)
}

// subscribeRequest is the only client-to-server message: it selects the
// log filter. No filter streams all processes; a project filter is a
// membership snapshot taken at subscribe time.
type subscribeRequest struct {
	Action  string `json:"action"`
	Process string `json:"process"`
	Project string `json:"project"`
}

// Gateway upgrades connections, authenticates them and wires each one to
// the shared backend bus.
type Gateway struct {
	hub      *Hub
	bus      Bus
	projects ProjectResolver
	verifier TokenVerifier
	logger   *logrus.Logger
	upgrader websocket.Upgrader

	snapMu   sync.Mutex
	snapAt   time.Time
	snapshot []api.Process
}

// NewGateway creates a gateway. verifier may be nil to disable handshake
// authentication (not recommended outside tests).
func NewGateway(hub *Hub, bus Bus, projects ProjectResolver, verifier TokenVerifier, logger *logrus.Logger) *Gateway {
	if logger == nil {
		logger = logrus.New()
	}
	return &Gateway{
		hub:      hub,
		bus:      bus,
		projects: projects,
		verifier: verifier,
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// ServeHTTP handles one WebSocket session from handshake to disconnect
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if g.verifier != nil {
		token := handshakeToken(r)
		if token == "" {
			http.Error(w, "missing token", http.StatusUnauthorized)
			return
		}
		if _, err := g.verifier.VerifyToken(token); err != nil {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
	}

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.WithError(err).Warn("WebSocket upgrade failed")
		return
	}

	client := &Client{
		ID:   uuid.New().String(),
		conn: conn,
	}

	logSub, err := g.bus.Subscribe(process.EventLog, func(e process.Event) {
		if !client.wantsLogFrom(e.Name) {
			return
		}
		_ = client.Send(api.Envelope{
			Event: api.EventLogOut,
			Data: api.LogEntry{
				Name: e.Name,
				ID:   e.ID,
				Data: e.Line,
				At:   e.At.UnixMilli(),
			},
		})
	})
	if err != nil {
		g.logger.WithError(err).Error("Failed to attach log listener")
		conn.Close()
		return
	}
	client.logSub = logSub

	statusSub, err := g.bus.Subscribe(process.EventStatusChange, func(e process.Event) {
		procs, listErr := g.listSnapshot(r.Context())
		if listErr != nil {
			g.logger.WithError(listErr).Warn("Failed to refresh process list after status change")
			return
		}
		_ = client.Send(api.Envelope{Event: api.EventProcessesUpdated, Data: procs})
	})
	if err != nil {
		g.logger.WithError(err).Error("Failed to attach status listener")
		g.bus.Unsubscribe(logSub)
		conn.Close()
		return
	}
	client.statusSub = statusSub

	g.hub.Add(client)
	g.readLoop(client)
}

// readLoop consumes client messages until disconnect, then detaches
// exactly this connection's two listeners from the shared bus.
func (g *Gateway) readLoop(client *Client) {
	defer func() {
		g.bus.Unsubscribe(client.logSub)
		g.bus.Unsubscribe(client.statusSub)
		g.hub.Remove(client.ID)
		client.conn.Close()
	}()

	for {
		_, message, err := client.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				g.logger.WithError(err).Debug("Client closed unexpectedly")
			}
			return
		}

		var req subscribeRequest
		if err := json.Unmarshal(message, &req); err != nil || req.Action != "subscribe" {
			continue
		}
		g.applyFilter(client, req)
	}
}

// applyFilter updates the client's log filter from a subscribe message
func (g *Gateway) applyFilter(client *Client, req subscribeRequest) {
	switch {
	case req.Process != "":
		client.SetFilter([]string{req.Process})
	case req.Project != "":
		if g.projects == nil {
			return
		}
		p, err := g.projects.Get(req.Project)
		if err != nil {
			g.logger.WithField("project", req.Project).Warn("Subscribe to unknown project ignored")
			return
		}
		client.SetFilter(append([]string{}, p.Processes...))
	default:
		client.SetFilter(nil)
	}
}

// listSnapshot serves a briefly-cached process list so N clients reacting
// to the same lifecycle event share one backend query.
func (g *Gateway) listSnapshot(ctx context.Context) ([]api.Process, error) {
	g.snapMu.Lock()
	defer g.snapMu.Unlock()

	if time.Since(g.snapAt) < snapshotTTL && g.snapshot != nil {
		return g.snapshot, nil
	}

	procs, err := g.bus.List(ctx)
	if err != nil {
		return nil, err
	}
	g.snapshot = procs
	g.snapAt = time.Now()
	return procs, nil
}

// handshakeToken extracts the credential from the query string or the
// Authorization header.
func handshakeToken(r *http.Request) string {
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	return ""
}
