package main

import (
	"net/http"
	"strconv"
	"time"

	"github.com/dougsko/aurad/pkg/logging"
	"github.com/dougsko/aurad/pkg/protocol"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

func (d *Daemon) handleGetStatus(c *gin.Context) {
	c.JSON(http.StatusOK, protocol.NewSuccessResponse(d.coreEngine.Status(Version)))
}

func (d *Daemon) handleGetDevices(c *gin.Context) {
	c.JSON(http.StatusOK, protocol.NewSuccessResponse(d.coreEngine.Devices()))
}

func (d *Daemon) handleGetAudioStatus(c *gin.Context) {
	c.JSON(http.StatusOK, protocol.NewSuccessResponse(d.coreEngine.AudioStatus()))
}

func (d *Daemon) handleSetChannelFlags(c *gin.Context) {
	var req protocol.ChannelFlagsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, protocol.NewErrorResponse(err.Error()))
		return
	}
	if err := d.coreEngine.SetChannelFlag(req); err != nil {
		c.JSON(http.StatusBadRequest, protocol.NewErrorResponse(err.Error()))
		return
	}
	c.JSON(http.StatusOK, protocol.NewSuccessResponse(nil))
}

func (d *Daemon) handleSetGain(c *gin.Context) {
	var req protocol.GainRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, protocol.NewErrorResponse(err.Error()))
		return
	}
	if err := d.coreEngine.SetGain(req); err != nil {
		c.JSON(http.StatusBadRequest, protocol.NewErrorResponse(err.Error()))
		return
	}
	c.JSON(http.StatusOK, protocol.NewSuccessResponse(nil))
}

func (d *Daemon) handleGetMIDI(c *gin.Context) {
	c.JSON(http.StatusOK, protocol.NewSuccessResponse(d.coreEngine.MIDIStatus()))
}

func (d *Daemon) handleGetSurface(c *gin.Context) {
	c.JSON(http.StatusOK, protocol.NewSuccessResponse(d.coreEngine.SurfaceStatus()))
}

// handleSurfaceFader injects a virtual fader move, mirroring it to the
// connected peer.
func (d *Daemon) handleSurfaceFader(c *gin.Context) {
	var req struct {
		Channel  int `json:"channel"`
		Position int `json:"position"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, protocol.NewErrorResponse(err.Error()))
		return
	}

	fader := d.coreEngine.Fader()
	if fader == nil {
		c.JSON(http.StatusServiceUnavailable, protocol.NewErrorResponse("surface is disabled"))
		return
	}
	if err := fader.VirtualFaderMoved(uint16(req.Channel), uint16(req.Position)); err != nil {
		c.JSON(http.StatusBadRequest, protocol.NewErrorResponse(err.Error()))
		return
	}
	c.JSON(http.StatusOK, protocol.NewSuccessResponse(nil))
}

func (d *Daemon) handleGetEvents(c *gin.Context) {
	limit := 100
	if s := c.Query("limit"); s != "" {
		if n, err := strconv.Atoi(s); err == nil {
			limit = n
		}
	}

	events, err := d.coreEngine.Events().Recent(c.Query("category"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, protocol.NewErrorResponse(err.Error()))
		return
	}
	counts, err := d.coreEngine.Events().CountByCategory()
	if err != nil {
		c.JSON(http.StatusInternalServerError, protocol.NewErrorResponse(err.Error()))
		return
	}

	c.JSON(http.StatusOK, protocol.NewSuccessResponse(protocol.EventsResponse{
		Events: events,
		Counts: counts,
	}))
}

var meterUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// handleMeterWebSocket pushes level/spectrum snapshots at 20Hz.
func (d *Daemon) handleMeterWebSocket(c *gin.Context) {
	conn, err := meterUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logging.Warnf("web", "websocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			snap := d.coreEngine.Monitor().Snapshot()
			if err := conn.WriteJSON(snap); err != nil {
				return
			}
		}
	}
}
