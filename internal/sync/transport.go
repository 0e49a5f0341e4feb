// Package sync moves CRDT documents between peers over websocket
// connections: a Dialer for the outgoing connection to a sync server and a
// Listener for accepting peers, both speaking the same small JSON envelope
// protocol around opaque serialized documents.
package sync

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/patchkit/projectd/internal/config"
	"github.com/patchkit/projectd/internal/crdt"
	"github.com/patchkit/projectd/internal/repo"
	"github.com/patchkit/projectd/pkg/metrics"
)

// Message is the wire envelope. The payload is an opaque serialized
// document; this layer never interprets change encodings.
type Message struct {
	Type    string `json:"type"` // "doc" | "request"
	DocID   string `json:"doc_id"`
	Payload []byte `json:"payload,omitempty"`
}

const sessionBuffer = 256

// session pumps one websocket connection: repository outbound messages to
// the wire, wire messages into the repository.
type session struct {
	conn       *websocket.Conn
	repository *repo.Repo
	logger     *zap.Logger
	metrics    *metrics.Metrics
	outbound   chan repo.Outbound
}

func newSession(conn *websocket.Conn, repository *repo.Repo, logger *zap.Logger, m *metrics.Metrics) *session {
	return &session{
		conn:       conn,
		repository: repository,
		logger:     logger,
		metrics:    m,
		outbound:   make(chan repo.Outbound, sessionBuffer),
	}
}

// run blocks until the connection drops or ctx is cancelled.
func (s *session) run(ctx context.Context) {
	unsubscribe := s.repository.Subscribe(s.outbound)
	defer unsubscribe()
	defer s.conn.Close()

	readDone := make(chan struct{})
	go s.readLoop(readDone)

	for {
		select {
		case <-ctx.Done():
			return
		case <-readDone:
			return
		case out := <-s.outbound:
			msg := Message{Type: out.Kind, DocID: out.ID.String(), Payload: out.Data}
			data, err := json.Marshal(msg)
			if err != nil {
				s.logger.Error("marshal sync message", zap.Error(err))
				continue
			}
			if err := s.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
				s.logger.Warn("write sync message", zap.Error(err))
				return
			}
			s.metrics.RecordSyncMessage("out", out.Kind)
		}
	}
}

func (s *session) readLoop(done chan<- struct{}) {
	defer close(done)
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			s.logger.Debug("sync connection closed", zap.Error(err))
			return
		}
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			s.logger.Warn("dropping malformed sync message", zap.Error(err))
			continue
		}
		id, err := crdt.ParseDocumentID(msg.DocID)
		if err != nil {
			s.logger.Warn("dropping sync message with bad doc id", zap.String("doc_id", msg.DocID))
			continue
		}
		s.metrics.RecordSyncMessage("in", msg.Type)
		switch msg.Type {
		case "doc":
			s.repository.Deliver(id, msg.Payload)
		case "request":
			s.repository.HandleRequest(id, func(out repo.Outbound) bool {
				select {
				case s.outbound <- out:
					return true
				default:
					return false
				}
			})
		default:
			s.logger.Warn("dropping sync message of unknown type", zap.String("type", msg.Type))
		}
	}
}

// Dialer maintains the outgoing connection to the configured sync server,
// reconnecting indefinitely with best-effort logging.
type Dialer struct {
	cfg        config.SyncConfig
	repository *repo.Repo
	logger     *zap.Logger
	metrics    *metrics.Metrics
}

// NewDialer builds a dialer for cfg.PeerAddress.
func NewDialer(cfg config.SyncConfig, repository *repo.Repo, logger *zap.Logger, m *metrics.Metrics) *Dialer {
	return &Dialer{cfg: cfg, repository: repository, logger: logger, metrics: m}
}

// Run dials, pumps the session until it drops, and redials until ctx is
// cancelled. Returns nil once ctx is done.
func (d *Dialer) Run(ctx context.Context) error {
	interval := d.cfg.ReconnectInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	first := true
	for {
		if !first {
			d.metrics.RecordSyncReconnect()
		}
		first = false

		conn, _, err := websocket.DefaultDialer.DialContext(ctx, d.cfg.PeerAddress, nil)
		if err != nil {
			d.logger.Warn("sync server dial failed",
				zap.String("peer", d.cfg.PeerAddress), zap.Error(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(interval):
			}
			continue
		}

		d.logger.Info("connected to sync server", zap.String("peer", d.cfg.PeerAddress))
		newSession(conn, d.repository, d.logger, d.metrics).run(ctx)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(interval):
		}
	}
}

// Listener accepts incoming peer connections on the configured address.
type Listener struct {
	cfg        config.SyncConfig
	repository *repo.Repo
	logger     *zap.Logger
	metrics    *metrics.Metrics
	upgrader   websocket.Upgrader
}

// NewListener builds a listener for cfg.ListenAddress.
func NewListener(cfg config.SyncConfig, repository *repo.Repo, logger *zap.Logger, m *metrics.Metrics) *Listener {
	return &Listener{
		cfg:        cfg,
		repository: repository,
		logger:     logger,
		metrics:    m,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// Handler returns the router serving the sync upgrade endpoint; sessions
// it spawns stop when ctx is cancelled.
func (l *Listener) Handler(ctx context.Context) http.Handler {
	router := mux.NewRouter()
	router.HandleFunc("/sync", func(w http.ResponseWriter, r *http.Request) {
		conn, err := l.upgrader.Upgrade(w, r, nil)
		if err != nil {
			l.logger.Warn("websocket upgrade failed", zap.Error(err))
			return
		}
		l.logger.Info("peer connected", zap.String("remote", conn.RemoteAddr().String()))
		newSession(conn, l.repository, l.logger, l.metrics).run(ctx)
	})
	return router
}

// Run serves the upgrade endpoint until ctx is cancelled.
func (l *Listener) Run(ctx context.Context) error {
	server := &http.Server{Addr: l.cfg.ListenAddress, Handler: l.Handler(ctx)}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	}
}
