package server

import (
	"encoding/json"
	"fmt"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/gwillem/ruka/pkg/hand"
)

// Control message types.
const (
	MsgFingers   = "fingers"
	MsgChannels  = "channels"
	MsgPulses    = "pulses"
	MsgRelease   = "release"
	MsgSmoothing = "smoothing"
	MsgState     = "state"
	MsgError     = "error"
)

const maxControlMessageSize = 64 * 1024

// ControlMessage is a command sent over the control websocket. Only the
// field matching Type is read.
type ControlMessage struct {
	Type      string                      `json:"type"`
	Fingers   map[hand.FingerName]float64 `json:"fingers,omitempty"`
	Channels  map[int]float64             `json:"channels,omitempty"`
	Pulses    map[int]int                 `json:"pulses,omitempty"`
	Release   []int                       `json:"release,omitempty"` // empty releases every channel
	Smoothing float64                     `json:"smoothing,omitempty"`
}

// ControlReply answers every control message, with the hand state or an
// error.
type ControlReply struct {
	Type  string `json:"type"`
	State *State `json:"state,omitempty"`
	Error string `json:"error,omitempty"`
}

// handleControl streams commands from a websocket client. Every message
// is answered, and a bad message does not close the connection.
func (s *Server) handleControl(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.WithError(err).Warn("websocket upgrade failed")
		return
	}
	defer conn.Close()

	log := s.log.WithField("remote", conn.RemoteAddr().String())
	log.Info("control client connected")
	defer log.Info("control client disconnected")

	conn.SetReadLimit(maxControlMessageSize)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.WithError(err).Warn("websocket read error")
			}
			return
		}

		reply := s.dispatch(log, data)
		if err := conn.WriteJSON(reply); err != nil {
			log.WithError(err).Warn("websocket write error")
			return
		}
	}
}

func (s *Server) dispatch(log logrus.FieldLogger, data []byte) ControlReply {
	var msg ControlMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		log.WithError(err).Debug("malformed control message")
		return errorReply(fmt.Errorf("malformed message: %w", err))
	}

	var err error
	switch msg.Type {
	case MsgFingers:
		if err = validateFingers(msg.Fingers); err == nil {
			s.ctrl.SetFingerPositions(msg.Fingers)
		}
	case MsgChannels:
		if err = validateChannels(msg.Channels); err == nil {
			s.ctrl.SetChannelPositions(msg.Channels)
		}
	case MsgPulses:
		if err = validatePulses(msg.Pulses); err == nil {
			s.ctrl.SetRawPulses(msg.Pulses)
		}
	case MsgRelease:
		if len(msg.Release) == 0 {
			s.ctrl.ReleaseAll()
			break
		}
		for _, ch := range msg.Release {
			if err = validateChannel(ch); err != nil {
				break
			}
		}
		if err == nil {
			for _, ch := range msg.Release {
				s.ctrl.ReleaseChannel(ch)
			}
		}
	case MsgSmoothing:
		s.ctrl.SetSmoothing(msg.Smoothing)
	case MsgState:
	default:
		err = fmt.Errorf("unknown message type %q", msg.Type)
	}
	if err != nil {
		log.WithError(err).WithField("type", msg.Type).Debug("rejected control message")
		return errorReply(err)
	}

	st := s.state()
	return ControlReply{Type: MsgState, State: &st}
}

func errorReply(err error) ControlReply {
	return ControlReply{Type: MsgError, Error: err.Error()}
}
