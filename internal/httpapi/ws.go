package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/ride-dispatch/internal/fabric"
	"github.com/example/ride-dispatch/internal/models"
)

var upgrader = websocket.Upgrader{}

const writeWait = 5 * time.Second

// deadlineConn bounds each write so a stalled client cannot hold up a
// publish to its topics.
type deadlineConn struct {
	*websocket.Conn
}

func (c deadlineConn) WriteJSON(v any) error {
	_ = c.SetWriteDeadline(time.Now().Add(writeWait))
	return c.Conn.WriteJSON(v)
}

// clientFrame is a message from a connected client. Type selects the
// action; the remaining fields are read per type.
type clientFrame struct {
	Type        string  `json:"type"`
	RideID      string  `json:"ride_id,omitempty"`
	DriverID    string  `json:"driver_id,omitempty"`
	PassengerID string  `json:"passenger_id,omitempty"`
	Lat         float64 `json:"lat,omitempty"`
	Lng         float64 `json:"lng,omitempty"`
}

// handleWS upgrades the connection and runs the read loop. Clients
// announce their identity (join_driver / join_passenger) after
// connecting; everything they subscribe to is connection-scoped and
// dropped on disconnect.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the error response.
		return
	}
	sess := s.Hub.Register(deadlineConn{conn})
	defer func() {
		s.Hub.Unregister(sess)
		_ = conn.Close()
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var f clientFrame
		if err := json.Unmarshal(raw, &f); err != nil {
			s.logger.Debug("bad ws frame", "error", err)
			continue
		}
		s.dispatchFrame(r, sess, f)
	}
}

func (s *Server) dispatchFrame(r *http.Request, sess *fabric.Session, f clientFrame) {
	switch f.Type {
	case "join_ride":
		if f.RideID != "" {
			s.Hub.Join(sess, fabric.RideTopic(f.RideID))
		}
	case "join_driver":
		if f.DriverID != "" {
			s.Hub.Join(sess, fabric.DriverTopic(f.DriverID))
		}
	case "join_passenger":
		if f.PassengerID != "" {
			s.Hub.Join(sess, fabric.PassengerTopic(f.PassengerID))
		}
	case "update_location":
		if f.DriverID == "" {
			return
		}
		push := models.LocationPush{DriverID: f.DriverID, RideID: f.RideID, Lat: f.Lat, Lng: f.Lng}
		if err := s.Coord.DriverLocation(r.Context(), push); err != nil {
			s.logger.Debug("ws location update rejected", "driver_id", f.DriverID, "error", err)
		}
	case "update_passenger_location":
		if f.RideID != "" {
			s.Coord.PassengerLocation(r.Context(), f.RideID, f.Lat, f.Lng)
		}
	default:
		s.logger.Debug("unknown ws frame type", "type", f.Type)
	}
}
