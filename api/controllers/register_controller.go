package controllers

import (
	"io"
	"net/http"
	"time"

	ttlworker "github.com/FloatTech/ttl"
	"github.com/charmbracelet/log"
	"github.com/gin-gonic/gin"

	"github.com/lebao3105/LocalTalk-sub002/api/models"
	"github.com/lebao3105/LocalTalk-sub002/discovery"
	"github.com/lebao3105/LocalTalk-sub002/types"
)

// registerReplayWindow dedupes bursts of identical register calls from
// one peer. Within the window the reply is served without touching the
// registry again.
const registerReplayWindow = 2 * time.Second

// RegisterController answers the identity endpoints: info and register.
type RegisterController struct {
	self   func() types.Device
	engine *discovery.Engine
	guard  *ttlworker.Cache[string, bool]
	logger *log.Logger
}

func NewRegisterController(self func() types.Device, engine *discovery.Engine, logger *log.Logger) *RegisterController {
	return &RegisterController{
		self:   self,
		engine: engine,
		guard:  ttlworker.NewCache[string, bool](registerReplayWindow),
		logger: logger,
	}
}

// HandleInfo returns this device's record.
func (ctrl *RegisterController) HandleInfo(c *gin.Context) {
	device := ctrl.self()
	c.JSON(http.StatusOK, &device)
}

// HandleRegister absorbs a peer's identity and answers with our own,
// mirroring what a multicast announce response would carry.
func (ctrl *RegisterController) HandleRegister(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		ctrl.logger.Errorf("Failed to read register request body: %v", err)
		c.JSON(readStatus(err), gin.H{"error": "Failed to read request body"})
		return
	}

	incoming, err := models.ParseDevice(body)
	if err != nil {
		ctrl.logger.Errorf("Failed to parse register request: %v", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	remote := c.ClientIP()
	ctrl.logger.Debugf("Received register request from %s (fingerprint: %s)", incoming.Alias, incoming.Fingerprint)

	key := incoming.Fingerprint + "|" + remote
	if !ctrl.guard.Get(key) {
		ctrl.guard.Set(key, true)
		if ctrl.engine != nil {
			ctrl.engine.Sighted(types.Announcement{Device: *incoming}, remote)
		}
	}

	device := ctrl.self()
	c.JSON(http.StatusOK, &device)
}
