package client

import (
	"encoding/json"
	"strconv"

	pkgerrors "github.com/pkg/errors"

	"github.com/gwillem/ruka/pkg/hand"
	"github.com/gwillem/ruka/pkg/server"
)

func (c *Client) State() (*server.State, error) {
	ret, err := c.Get("/state")
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to get hand state")
	}

	var st server.State
	if err := json.Unmarshal([]byte(ret), &st); err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to unmarshal hand state")
	}
	return &st, nil
}

func (c *Client) Calibration() (*hand.CalibrationSet, error) {
	ret, err := c.Get("/calibration")
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to get calibration")
	}

	var cal hand.CalibrationSet
	if err := json.Unmarshal([]byte(ret), &cal); err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to unmarshal calibration")
	}
	return &cal, nil
}

func (c *Client) SetFingers(positions map[hand.FingerName]float64) error {
	return c.putJSON("/fingers", positions)
}

func (c *Client) SetChannels(positions map[int]float64) error {
	return c.putJSON("/channels", positions)
}

func (c *Client) SetPulses(pulses map[int]int) error {
	return c.putJSON("/pulses", pulses)
}

func (c *Client) SetSmoothing(f float64) (float64, error) {
	ret, err := c.Put("/smoothing", strconv.FormatFloat(f, 'f', -1, 64))
	if err != nil {
		return 0, pkgerrors.Wrapf(err, "failed to set smoothing")
	}
	var got float64
	if err := json.Unmarshal([]byte(ret), &got); err != nil {
		return 0, pkgerrors.Wrapf(err, "failed to parse smoothing response")
	}
	return got, nil
}

func (c *Client) ReleaseAll() error {
	_, err := c.Post("/release", "")
	return pkgerrors.Wrapf(err, "failed to release hand")
}

func (c *Client) ReleaseChannel(ch int) error {
	_, err := c.Post("/release/"+strconv.Itoa(ch), "")
	return pkgerrors.Wrapf(err, "failed to release channel %d", ch)
}

func (c *Client) Version() (string, error) {
	ret, err := c.Get("/version")
	if err != nil {
		return "", pkgerrors.Wrapf(err, "failed to get version")
	}
	var v string
	if err := json.Unmarshal([]byte(ret), &v); err != nil {
		return "", pkgerrors.Wrapf(err, "failed to parse version")
	}
	return v, nil
}

func (c *Client) putJSON(path string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = c.Put(path, string(payload))
	return pkgerrors.Wrapf(err, "PUT %s failed", path)
}
