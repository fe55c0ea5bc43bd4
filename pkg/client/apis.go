package client

import (
	"encoding/json"

	pkgerrors "github.com/pkg/errors"

	"github.com/tvaclab/peltcycle/pkg/config"
	"github.com/tvaclab/peltcycle/pkg/run"
)

func (c *Client) GetStatus() (*run.StatusResponse, error) {
	ret, err := c.Get("/status")
	if err != nil {
		return nil, pkgerrors.Wrap(err, "failed to get run status")
	}

	var st run.StatusResponse
	if err := json.Unmarshal([]byte(ret), &st); err != nil {
		return nil, pkgerrors.Wrap(err, "failed to unmarshal run status")
	}
	return &st, nil
}

func (c *Client) GetConfig() (*config.Raw, error) {
	ret, err := c.Get("/config")
	if err != nil {
		return nil, pkgerrors.Wrap(err, "failed to get config")
	}

	var raw config.Raw
	if err := json.Unmarshal([]byte(ret), &raw); err != nil {
		return nil, pkgerrors.Wrap(err, "failed to unmarshal config")
	}
	return &raw, nil
}

func (c *Client) AckCheckpoint() (string, error) {
	return c.Post("/checkpoint/ack", "")
}

func (c *Client) Abort() (string, error) {
	return c.Post("/abort", "")
}

func (c *Client) GetVersion() (string, error) {
	ret, err := c.Get("/version")
	if err != nil {
		return "", pkgerrors.Wrap(err, "failed to get daemon version")
	}

	var v string
	if err := json.Unmarshal([]byte(ret), &v); err != nil {
		return "", pkgerrors.Wrap(err, "failed to unmarshal daemon version")
	}
	return v, nil
}
