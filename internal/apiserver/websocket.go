package apiserver

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coldbell/options/backend/internal/runtime"
	"github.com/gorilla/websocket"
)

const (
	websocketReadTimeout  = 90 * time.Second
	websocketPingInterval = 30 * time.Second
)

type websocketSubscribeRequest struct {
	Type    string `json:"type"`
	Channel string `json:"channel"`
}

type websocketEnvelope struct {
	Type    string `json:"type"`
	Channel string `json:"channel,omitempty"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
	TS      int64  `json:"ts"`
}

var websocketUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

var websocketChannels = map[string]struct{}{
	runtime.ChannelTransactions: {},
	runtime.ChannelOptions:      {},
	runtime.ChannelListings:     {},
	runtime.ChannelSeries:       {},
}

// handleWebsocket streams committed events. Clients send
// {"type":"subscribe","channel":"listings"} and get every later event on that
// channel; each request is acknowledged before events flow.
func (s *Service) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondMethodNotAllowed(w)
		return
	}
	upgrader := websocketUpgrader
	upgrader.CheckOrigin = func(req *http.Request) bool {
		origin := strings.TrimSpace(req.Header.Get("Origin"))
		return s.isOriginAllowed(origin)
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	sub := s.rt.Broker().Subscribe()
	defer sub.Close()

	subs := newSubscriptionSet()
	replies := make(chan websocketEnvelope, 16)
	readErrCh := make(chan error, 1)
	go s.websocketReadLoop(ctx, conn, subs, replies, readErrCh)

	ping := time.NewTicker(websocketPingInterval)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case err := <-readErrCh:
			if err != nil {
				s.logger.Debug("websocket read loop ended", "err", err)
			}
			return
		case reply := <-replies:
			if err := writeWebsocketJSON(conn, reply); err != nil {
				return
			}
		case event, ok := <-sub.C():
			if !ok {
				return
			}
			if !subs.Has(event.Channel) {
				continue
			}
			if err := writeWebsocketJSON(conn, websocketEnvelope{Type: "event", Channel: event.Channel, Data: event, TS: time.Now().Unix()}); err != nil {
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second)); err != nil {
				return
			}
		}
	}
}

func (s *Service) websocketReadLoop(ctx context.Context, conn *websocket.Conn, subs *subscriptionSet, replies chan<- websocketEnvelope, readErrCh chan<- error) {
	conn.SetReadLimit(1024 * 1024)
	if err := conn.SetReadDeadline(time.Now().Add(websocketReadTimeout)); err == nil {
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(websocketReadTimeout))
		})
	}
	for {
		select {
		case <-ctx.Done():
			readErrCh <- nil
			return
		default:
		}
		var message websocketSubscribeRequest
		if err := conn.ReadJSON(&message); err != nil {
			readErrCh <- err
			return
		}
		message.Type = strings.ToLower(strings.TrimSpace(message.Type))
		message.Channel = strings.TrimSpace(message.Channel)
		if message.Channel == "" {
			continue
		}

		reply := websocketEnvelope{Type: message.Type + "d", Channel: message.Channel, TS: time.Now().Unix()}
		if _, ok := websocketChannels[message.Channel]; !ok {
			reply = websocketEnvelope{Type: "error", Channel: message.Channel, Error: "unknown channel", TS: time.Now().Unix()}
		} else {
			switch message.Type {
			case "subscribe":
				subs.Add(message.Channel)
			case "unsubscribe":
				subs.Remove(message.Channel)
			default:
				reply = websocketEnvelope{Type: "error", Channel: message.Channel, Error: "unknown request type", TS: time.Now().Unix()}
			}
		}
		select {
		case replies <- reply:
		case <-ctx.Done():
			readErrCh <- nil
			return
		}
	}
}

func writeWebsocketJSON(conn *websocket.Conn, payload websocketEnvelope) error {
	if err := conn.SetWriteDeadline(time.Now().Add(10 * time.Second)); err != nil {
		return err
	}
	return conn.WriteJSON(payload)
}

type subscriptionSet struct {
	mu    sync.RWMutex
	items map[string]struct{}
}

func newSubscriptionSet() *subscriptionSet {
	return &subscriptionSet{items: map[string]struct{}{}}
}

func (s *subscriptionSet) Add(channel string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[channel] = struct{}{}
}

func (s *subscriptionSet) Remove(channel string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, channel)
}

func (s *subscriptionSet) Has(channel string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.items[channel]
	return ok
}
