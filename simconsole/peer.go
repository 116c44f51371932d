package simconsole

import (
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/gosuda/koppelia/message"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = 30 * time.Second
	sendBufferSize = 64
)

// peer is one websocket participant attached to the console.
type peer struct {
	id     int
	addr   string
	conn   *websocket.Conn
	srv    *Server
	send   chan []byte
	closed atomic.Bool

	// role is owned by the server loop.
	role message.Peer
}

func (p *peer) readLoop() {
	defer p.srv.detach(p)
	p.conn.SetReadLimit(1 << 20)
	_ = p.conn.SetReadDeadline(time.Now().Add(pongWait))
	p.conn.SetPongHandler(func(string) error {
		return p.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, payload, err := p.conn.ReadMessage()
		if err != nil {
			p.srv.logger.Debug().Err(err).Int("peer", p.id).Msg("read message")
			return
		}
		env, err := message.Parse(payload)
		if err != nil {
			p.srv.logger.Warn().Err(err).Int("peer", p.id).Msg("drop malformed envelope")
			continue
		}
		p.srv.enqueue(func() { p.srv.handle(p, env) })
	}
}

func (p *peer) writeLoop() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = p.conn.Close()
	}()
	for {
		select {
		case b, ok := <-p.send:
			_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = p.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := p.conn.WriteMessage(websocket.TextMessage, b); err != nil {
				p.srv.logger.Debug().Err(err).Int("peer", p.id).Msg("write message")
				return
			}
		case <-ticker.C:
			_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// push queues env for the peer. It must run on the server loop.
func (p *peer) push(env *message.Envelope) {
	if p.closed.Load() {
		return
	}
	b, err := env.Marshal()
	if err != nil {
		p.srv.logger.Warn().Err(err).Msg("marshal envelope")
		return
	}
	select {
	case p.send <- b:
	default:
		// drop oldest to avoid blocking the loop
		select {
		case <-p.send:
		default:
		}
		p.send <- b
	}
}

// close must run on the server loop.
func (p *peer) close() {
	if p.closed.Swap(true) {
		return
	}
	close(p.send)
}
