package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/xtrntr/papertrade/internal/relay"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = wsPongWait * 9 / 10
	wsMaxMessage = 4096
)

// PriceStream serves the downstream price websocket. Each connection sends
// subscribe and unsubscribe requests and receives trade batches for the
// symbols it follows.
type PriceStream struct {
	relay     *relay.Relay
	queueSize int
	logger    *slog.Logger
	upgrader  websocket.Upgrader
}

// NewPriceStream creates the websocket endpoint
func NewPriceStream(r *relay.Relay, queueSize int, logger *slog.Logger) *PriceStream {
	if logger == nil {
		logger = slog.Default()
	}
	return &PriceStream{
		relay:     r,
		queueSize: queueSize,
		logger:    logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // origins are enforced by the CORS layer
			},
		},
	}
}

func (s *PriceStream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("failed to upgrade connection", "error", err)
		return
	}

	conn := relay.NewConn(s.queueSize)
	log := s.logger.With("conn_id", conn.ID())
	log.Debug("client connected")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.writeLoop(ctx, ws, conn, log)
	}()

	s.readLoop(ws, conn, log)

	s.relay.Close(conn)
	conn.Shutdown()
	cancel()
	<-done
	ws.Close()
	log.Debug("client disconnected", "dropped", conn.Dropped())
}

func (s *PriceStream) readLoop(ws *websocket.Conn, conn *relay.Conn, log *slog.Logger) {
	ws.SetReadLimit(wsMaxMessage)
	ws.SetReadDeadline(time.Now().Add(wsPongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			return
		}
		if err := s.relay.HandleMessage(conn, raw); err != nil {
			log.Debug("ignored client message", "error", err)
		}
	}
}

// writeLoop is the only writer of ws. It drains the connection's outbox and
// keeps the socket alive with pings.
func (s *PriceStream) writeLoop(ctx context.Context, ws *websocket.Conn, conn *relay.Conn, log *slog.Logger) {
	msgs := make(chan []byte)
	go func() {
		defer close(msgs)
		for {
			msg, ok := conn.Next(ctx)
			if !ok {
				return
			}
			select {
			case msgs <- msg:
			case <-ctx.Done():
				return
			}
		}
	}()

	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-msgs:
			if !ok {
				ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
				ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				log.Debug("write failed", "error", err)
				ws.Close()
				return
			}
		case <-ticker.C:
			ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				ws.Close()
				return
			}
		}
	}
}
