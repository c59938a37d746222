package controllers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/charmbracelet/log"
	"github.com/gin-gonic/gin"

	"github.com/lebao3105/LocalTalk-sub002/discovery"
	"github.com/lebao3105/LocalTalk-sub002/faults"
	"github.com/lebao3105/LocalTalk-sub002/session"
	"github.com/lebao3105/LocalTalk-sub002/storage"
	"github.com/lebao3105/LocalTalk-sub002/tool"
)

// HistoryStore is the slice of the persistence layer the control API
// reads from.
type HistoryStore interface {
	History(limit int) ([]storage.HistoryEntry, error)
}

// UserController serves the local control surface: device listing,
// manual scans, transfer snapshots, fault reports, and history. UIs
// live on top of these endpoints.
type UserController struct {
	engine   *discovery.Engine
	manager  *session.Manager
	reporter *faults.Reporter
	history  HistoryStore
	logger   *log.Logger
}

func NewUserController(engine *discovery.Engine, manager *session.Manager, reporter *faults.Reporter, history HistoryStore, logger *log.Logger) *UserController {
	return &UserController{
		engine:   engine,
		manager:  manager,
		reporter: reporter,
		history:  history,
		logger:   logger,
	}
}

func (ctrl *UserController) HandleDevices(c *gin.Context) {
	if ctrl.engine == nil {
		c.JSON(http.StatusServiceUnavailable, tool.FastReturnError("discovery disabled"))
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": ctrl.engine.Devices()})
}

func (ctrl *UserController) HandleScan(c *gin.Context) {
	if ctrl.engine == nil {
		c.JSON(http.StatusServiceUnavailable, tool.FastReturnError("discovery disabled"))
		return
	}
	if !ctrl.engine.Refresh() {
		c.JSON(http.StatusConflict, tool.FastReturnError("discovery not running"))
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "scanning"})
}

func (ctrl *UserController) HandleConnect(c *gin.Context) {
	if ctrl.engine == nil {
		c.JSON(http.StatusServiceUnavailable, tool.FastReturnError("discovery disabled"))
		return
	}
	fingerprint := c.Param("fingerprint")
	device, err := ctrl.engine.EstablishConnection(c.Request.Context(), fingerprint)
	if err != nil {
		ctrl.logger.Errorf("[Connect] %s: %v", fingerprint, err)
		switch {
		case errors.Is(err, discovery.ErrUnknownDevice):
			c.JSON(http.StatusNotFound, tool.FastReturnError(err.Error()))
		case faults.KindOf(err) == faults.KindSecurity:
			c.JSON(http.StatusConflict, tool.FastReturnError(err.Error()))
		default:
			c.JSON(http.StatusBadGateway, tool.FastReturnError(err.Error()))
		}
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": device})
}

func (ctrl *UserController) HandleTransfers(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"data": ctrl.manager.Sessions()})
}

func (ctrl *UserController) HandleErrors(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"data": ctrl.reporter.Recent(queryLimit(c, 50))})
}

func (ctrl *UserController) HandleHistory(c *gin.Context) {
	if ctrl.history == nil {
		c.JSON(http.StatusServiceUnavailable, tool.FastReturnError("history unavailable"))
		return
	}
	entries, err := ctrl.history.History(queryLimit(c, 0))
	if err != nil {
		ctrl.logger.Errorf("[History] query failed: %v", err)
		c.JSON(http.StatusInternalServerError, tool.FastReturnError("Internal server error"))
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": entries})
}

func queryLimit(c *gin.Context, fallback int) int {
	limit, err := strconv.Atoi(c.Query("limit"))
	if err != nil || limit <= 0 {
		return fallback
	}
	return limit
}
