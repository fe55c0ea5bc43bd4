package daemon

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/tvaclab/peltcycle/pkg/cycle"
	"github.com/tvaclab/peltcycle/pkg/run"
	"github.com/tvaclab/peltcycle/pkg/version"
)

func getStatus(c *gin.Context) {
	pending, msg := gate.Pending()
	c.IndentedJSON(http.StatusOK, run.StatusResponse{
		State:             runner.Status(),
		CheckpointPending: pending,
		CheckpointMessage: msg,
	})
}

func getConfig(c *gin.Context) {
	c.IndentedJSON(http.StatusOK, conf.Snapshot())
}

func ackCheckpoint(c *gin.Context) {
	if err := gate.Ack(); err != nil {
		if errors.Is(err, cycle.ErrNoPendingCheckpoint) {
			c.IndentedJSON(http.StatusConflict, err.Error())
			return
		}
		c.IndentedJSON(http.StatusInternalServerError, err.Error())
		return
	}

	logrus.Info("checkpoint acknowledged via http")
	c.IndentedJSON(http.StatusCreated, "checkpoint acknowledged")
}

func postAbort(c *gin.Context) {
	logrus.Warn("abort requested via http")
	abortFunc()
	c.IndentedJSON(http.StatusCreated, "abort requested, run will stop at the next suspension point")
}

func getEvents(c *gin.Context) {
	ch := hub.Subscribe()
	defer hub.Unsubscribe(ch)

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")

	clientGone := c.Request.Context().Done()
	c.Stream(func(w io.Writer) bool {
		select {
		case <-clientGone:
			return false
		case ev, ok := <-ch:
			if !ok {
				return false
			}
			c.SSEvent(ev.Name, string(ev.Data))
			return true
		}
	})
}

func getVersion(c *gin.Context) {
	c.IndentedJSON(http.StatusOK, version.Version)
}
