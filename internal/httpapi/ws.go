package httpapi

import (
	"context"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/example/delivery-dispatch/internal/realtime"
)

var upgrader = websocket.Upgrader{}

// wsCommand is what a connected client may send: join/leave a topic.
// Everything else flows server -> client.
type wsCommand struct {
	Action string `json:"action"` // "join" | "leave"
	Topic  string `json:"topic"`
}

// handleWS authenticates before the upgrade; an unauthenticated
// connection is rejected before any topic subscription is possible.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		token = bearerToken(r)
	}
	id, err := realtime.VerifyToken(token, s.jwtSecret)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return // upgrader already replied
	}
	sess := s.hub.Connect(conn, id)
	if id.Role == realtime.RoleDriver {
		s.hub.Subscribe(sess, realtime.TopicAvailableDrivers)
	}
	go s.readLoop(conn, sess)
}

func (s *Server) readLoop(conn *websocket.Conn, sess *realtime.Session) {
	defer s.hub.Disconnect(sess)
	for {
		var cmd wsCommand
		if err := conn.ReadJSON(&cmd); err != nil {
			return
		}
		switch cmd.Action {
		case "join":
			if s.mayJoin(sess.Identity, cmd.Topic) {
				s.hub.Subscribe(sess, cmd.Topic)
			}
		case "leave":
			s.hub.Unsubscribe(sess, cmd.Topic)
		}
	}
}

// mayJoin gates on-demand subscriptions: parties can always join an
// order topic they are part of; admins can join anything.
func (s *Server) mayJoin(id realtime.Identity, topic string) bool {
	if id.Role == realtime.RoleAdmin {
		return true
	}
	switch {
	case topic == realtime.TopicAvailableDrivers:
		return id.Role == realtime.RoleDriver
	case topic == realtime.TopicUser(id.UserID), topic == realtime.TopicRole(id.Role, id.UserID):
		return true
	}
	orderID, ok := realtime.ParseOrderTopic(topic)
	if !ok {
		return false
	}
	o, err := s.svc.Order(context.Background(), orderID)
	if err != nil {
		return false
	}
	switch id.Role {
	case realtime.RoleCustomer:
		return o.CustomerID == id.UserID
	case realtime.RoleDriver:
		return o.DriverID == id.UserID
	case realtime.RoleStore:
		return o.StoreID == id.UserID
	}
	return false
}
