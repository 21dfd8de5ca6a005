// Package server exposes the motion controller over HTTP and a websocket.
// It holds no control logic of its own: every request becomes a queued
// command or a snapshot read.
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sort"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/gwillem/ruka/pkg/hand"
	"github.com/gwillem/ruka/pkg/motion"
)

// ControlPath is the websocket endpoint for streaming commands.
const ControlPath = "/ws/control"

const shutdownTimeout = 5 * time.Second

// Controller is the part of motion.Controller the server drives.
type Controller interface {
	Snapshot() map[int]motion.ChannelState
	Calibration() *hand.CalibrationSet
	SetFingerPositions(positions map[hand.FingerName]float64)
	SetChannelPositions(positions map[int]float64)
	SetRawPulses(pulses map[int]int)
	ReleaseAll()
	ReleaseChannel(channel int)
	SetSmoothing(factor float64)
	Smoothing() float64
	Rate() float64
	Running() bool
}

var _ Controller = &motion.Controller{}

// State is the hand state reported by GET /state and the websocket.
type State struct {
	Running   bool                  `json:"running"`
	Rate      float64               `json:"rate"`
	Smoothing float64               `json:"smoothing"`
	Channels  []motion.ChannelState `json:"channels"`
}

// Server serves the control API.
type Server struct {
	ctrl     Controller
	log      logrus.FieldLogger
	router   *gin.Engine
	upgrader websocket.Upgrader
}

// New creates a server for ctrl. A nil logger uses the logrus standard
// logger.
func New(ctrl Controller, logger logrus.FieldLogger) *Server {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	s := &Server{
		ctrl: ctrl,
		log:  logger.WithField("component", "server"),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
	s.router = s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(ginLogger(s.log))
	router.GET("/state", s.getState)
	router.GET("/calibration", s.getCalibration)
	router.PUT("/fingers", s.setFingers)
	router.PUT("/channels", s.setChannels)
	router.PUT("/pulses", s.setPulses)
	router.GET("/smoothing", s.getSmoothing)
	router.PUT("/smoothing", s.setSmoothing)
	router.POST("/release", s.releaseAll)
	router.POST("/release/:channel", s.releaseChannel)
	router.GET("/version", s.getVersion)
	router.GET(ControlPath, s.handleControl)

	return router
}

// Handler returns the HTTP handler of the server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Serve serves on l until ctx is cancelled, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		s.log.Infof("http server listening on %s", l.Addr().String())
		errc <- srv.Serve(l)
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	s.log.Info("shutting down http server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}

// ListenAndServe listens on the TCP address addr and calls Serve.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, l)
}

func (s *Server) state() State {
	snap := s.ctrl.Snapshot()
	channels := make([]motion.ChannelState, 0, len(snap))
	for _, st := range snap {
		channels = append(channels, st)
	}
	sort.Slice(channels, func(i, j int) bool {
		return channels[i].Channel < channels[j].Channel
	})
	return State{
		Running:   s.ctrl.Running(),
		Rate:      s.ctrl.Rate(),
		Smoothing: s.ctrl.Smoothing(),
		Channels:  channels,
	}
}
