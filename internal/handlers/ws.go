package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"media-converter/internal/conversion"
	"media-converter/internal/logging"
	"media-converter/internal/progress"
)

const (
	wsWriteWait   = 10 * time.Second
	wsPongWait    = 60 * time.Second
	wsPingPeriod  = (wsPongWait * 9) / 10
	wsMaxMessage  = 4096
	wsSendBuffer  = 64
	wsMaxSubjects = 32
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// wsRequest is a client control message.
type wsRequest struct {
	Action string `json:"action"`
	Topic  string `json:"topic"`
}

// wsReply acknowledges a control message. Progress payloads are sent as
// progress.Payload documents on the same connection.
type wsReply struct {
	Type  string `json:"type"`
	Topic string `json:"topic,omitempty"`
	Error string `json:"error,omitempty"`
}

// wsSession is one WebSocket connection and its topic subscriptions.
type wsSession struct {
	conn *websocket.Conn
	hub  *progress.Hub
	send chan interface{}
	done chan struct{}
	once sync.Once

	// closed when the server stops streaming
	shutdown chan struct{}

	mu       sync.Mutex
	subs     map[string]*progress.Subscription
	draining bool
	wg       sync.WaitGroup
}

// WebSocket upgrades the connection and lets the client subscribe to
// conversion topics with {"action":"subscribe","topic":"conversion/{id}"}.
// GET /ws
func (h *Handlers) WebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied with an HTTP error.
		logging.Debug("WebSocket upgrade failed: %v", err)
		return
	}

	s := &wsSession{
		conn:     conn,
		hub:      h.hub,
		send:     make(chan interface{}, wsSendBuffer),
		done:     make(chan struct{}),
		shutdown: make(chan struct{}),
		subs:     make(map[string]*progress.Subscription),
	}

	h.sessions.Add(1)
	defer h.sessions.Done()

	stop := context.AfterFunc(h.streams, func() { close(s.shutdown) })
	defer stop()

	logging.Debug("WebSocket client connected from %s", r.RemoteAddr)
	go s.writePump()
	s.readLoop()
	s.close()
	logging.Debug("WebSocket client %s disconnected", r.RemoteAddr)
}

func (s *wsSession) readLoop() {
	s.conn.SetReadLimit(wsMaxMessage)
	_ = s.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				logging.Debug("WebSocket read error: %v", err)
			}
			return
		}

		var req wsRequest
		if err := json.Unmarshal(data, &req); err != nil {
			s.reply(wsReply{Type: "error", Error: "invalid message"})
			continue
		}

		switch req.Action {
		case "subscribe":
			s.subscribe(req.Topic)
		case "unsubscribe":
			s.unsubscribe(req.Topic)
		default:
			s.reply(wsReply{Type: "error", Topic: req.Topic, Error: "unknown action"})
		}
	}
}

func (s *wsSession) subscribe(topic string) {
	id, ok := topicJobID(topic)
	if !ok {
		s.reply(wsReply{Type: "error", Topic: topic, Error: "invalid topic"})
		return
	}
	topic = progress.Topic(id)

	s.mu.Lock()
	if _, exists := s.subs[topic]; exists {
		s.mu.Unlock()
		s.reply(wsReply{Type: "subscribed", Topic: topic})
		return
	}
	if s.draining {
		s.mu.Unlock()
		s.reply(wsReply{Type: "error", Topic: topic, Error: "server shutting down"})
		return
	}
	if len(s.subs) >= wsMaxSubjects {
		s.mu.Unlock()
		s.reply(wsReply{Type: "error", Topic: topic, Error: "too many subscriptions"})
		return
	}
	sub := s.hub.Subscribe(topic)
	s.subs[topic] = sub
	s.wg.Add(1)
	s.mu.Unlock()

	go s.forward(sub)
	s.reply(wsReply{Type: "subscribed", Topic: topic})
}

func (s *wsSession) unsubscribe(topic string) {
	if id, ok := topicJobID(topic); ok {
		topic = progress.Topic(id)
	}

	s.mu.Lock()
	sub, ok := s.subs[topic]
	delete(s.subs, topic)
	s.mu.Unlock()

	if ok {
		sub.Close()
	}
	s.reply(wsReply{Type: "unsubscribed", Topic: topic})
}

// forward copies events of one subscription into the send queue until the
// subscription or the session is closed.
func (s *wsSession) forward(sub *progress.Subscription) {
	defer s.wg.Done()
	for ev := range sub.Events() {
		select {
		case s.send <- ev.Payload():
		case <-s.done:
			return
		}
	}
}

func (s *wsSession) reply(msg wsReply) {
	select {
	case s.send <- msg:
	case <-s.done:
	}
}

// writePump is the only writer of data frames on the connection.
func (s *wsSession) writePump() {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case msg := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := s.conn.WriteJSON(msg); err != nil {
				logging.Debug("WebSocket write error: %v", err)
				_ = s.conn.Close()
				return
			}
		case <-ticker.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				_ = s.conn.Close()
				return
			}
		case <-s.shutdown:
			if s.drain() {
				_ = s.conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
					time.Now().Add(wsWriteWait))
			}
			_ = s.conn.Close()
			return
		case <-s.done:
			return
		}
	}
}

// drain ends every subscription and writes the events already delivered
// to them, so terminal events published just before shutdown still reach
// the client. It reports false when the connection failed or the drain
// timed out.
func (s *wsSession) drain() bool {
	s.mu.Lock()
	s.draining = true
	for topic, sub := range s.subs {
		sub.Close()
		delete(s.subs, topic)
	}
	s.mu.Unlock()

	forwarded := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(forwarded)
	}()

	timer := time.NewTimer(wsWriteWait)
	defer timer.Stop()

	write := func(msg interface{}) bool {
		_ = s.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		return s.conn.WriteJSON(msg) == nil
	}

	for {
		select {
		case msg := <-s.send:
			if !write(msg) {
				return false
			}
		case <-forwarded:
			for {
				select {
				case msg := <-s.send:
					if !write(msg) {
						return false
					}
				default:
					return true
				}
			}
		case <-timer.C:
			logging.Warn("WebSocket drain timed out")
			return false
		}
	}
}

func (s *wsSession) close() {
	s.once.Do(func() {
		close(s.done)

		s.mu.Lock()
		for topic, sub := range s.subs {
			sub.Close()
			delete(s.subs, topic)
		}
		s.mu.Unlock()

		s.wg.Wait()
		_ = s.conn.Close()
	})
}

// topicJobID accepts a conversion topic, optionally with a /topic/ prefix,
// or a bare job id.
func topicJobID(s string) (string, bool) {
	id := s
	if fromTopic, ok := progress.JobIDFromTopic(s); ok {
		id = fromTopic
	}
	if id == "" {
		return "", false
	}
	if _, err := conversion.ResolveJobID(id); err != nil {
		return "", false
	}
	return id, true
}
