package server

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/gwillem/ruka/pkg/hand"
	"github.com/gwillem/ruka/pkg/version"
)

func (s *Server) getState(c *gin.Context) {
	c.IndentedJSON(http.StatusOK, s.state())
}

func (s *Server) getCalibration(c *gin.Context) {
	cal := s.ctrl.Calibration()
	if cal == nil {
		c.IndentedJSON(http.StatusServiceUnavailable, "controller not connected")
		return
	}
	c.IndentedJSON(http.StatusOK, cal)
}

func (s *Server) setFingers(c *gin.Context) {
	var positions map[hand.FingerName]float64
	if err := c.BindJSON(&positions); err != nil {
		badRequest(c, err)
		return
	}
	if err := validateFingers(positions); err != nil {
		badRequest(c, err)
		return
	}

	s.ctrl.SetFingerPositions(positions)
	c.IndentedJSON(http.StatusAccepted, "ok")
}

func (s *Server) setChannels(c *gin.Context) {
	var positions map[int]float64
	if err := c.BindJSON(&positions); err != nil {
		badRequest(c, err)
		return
	}
	if err := validateChannels(positions); err != nil {
		badRequest(c, err)
		return
	}

	s.ctrl.SetChannelPositions(positions)
	c.IndentedJSON(http.StatusAccepted, "ok")
}

func (s *Server) setPulses(c *gin.Context) {
	var pulses map[int]int
	if err := c.BindJSON(&pulses); err != nil {
		badRequest(c, err)
		return
	}
	if err := validatePulses(pulses); err != nil {
		badRequest(c, err)
		return
	}

	s.ctrl.SetRawPulses(pulses)
	c.IndentedJSON(http.StatusAccepted, "ok")
}

func (s *Server) getSmoothing(c *gin.Context) {
	c.IndentedJSON(http.StatusOK, s.ctrl.Smoothing())
}

func (s *Server) setSmoothing(c *gin.Context) {
	var f float64
	if err := c.BindJSON(&f); err != nil {
		badRequest(c, err)
		return
	}

	s.ctrl.SetSmoothing(f)
	s.log.Infof("set smoothing factor to %.3f", s.ctrl.Smoothing())

	c.IndentedJSON(http.StatusCreated, s.ctrl.Smoothing())
}

func (s *Server) releaseAll(c *gin.Context) {
	s.ctrl.ReleaseAll()
	c.IndentedJSON(http.StatusAccepted, "ok")
}

func (s *Server) releaseChannel(c *gin.Context) {
	ch, err := strconv.Atoi(c.Param("channel"))
	if err != nil {
		badRequest(c, fmt.Errorf("invalid channel %q", c.Param("channel")))
		return
	}
	if err := validateChannel(ch); err != nil {
		badRequest(c, err)
		return
	}

	s.ctrl.ReleaseChannel(ch)
	c.IndentedJSON(http.StatusAccepted, "ok")
}

func (s *Server) getVersion(c *gin.Context) {
	c.IndentedJSON(http.StatusOK, version.Version)
}

func badRequest(c *gin.Context, err error) {
	c.IndentedJSON(http.StatusBadRequest, err.Error())
	_ = c.AbortWithError(http.StatusBadRequest, err)
}

func validateFingers(positions map[hand.FingerName]float64) error {
	for name := range positions {
		if hand.FingerChannels(name) == nil {
			return fmt.Errorf("unknown finger %q", name)
		}
	}
	return nil
}

func validateChannel(ch int) error {
	if ch < 0 || ch >= hand.MaxChannels {
		return fmt.Errorf("channel %d out of range [0, %d)", ch, hand.MaxChannels)
	}
	return nil
}

func validateChannels(positions map[int]float64) error {
	for ch := range positions {
		if err := validateChannel(ch); err != nil {
			return err
		}
	}
	return nil
}

func validatePulses(pulses map[int]int) error {
	for ch, p := range pulses {
		if err := validateChannel(ch); err != nil {
			return err
		}
		if p <= 0 {
			return fmt.Errorf("channel %d: pulse must be positive, got %d", ch, p)
		}
	}
	return nil
}
