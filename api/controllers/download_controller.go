package controllers

import (
	"net/http"

	"github.com/charmbracelet/log"
	"github.com/gin-gonic/gin"

	"github.com/lebao3105/LocalTalk-sub002/tool"
	"github.com/lebao3105/LocalTalk-sub002/types"
)

// ShareSource is the slice of a file share the reverse-flow endpoints
// serve from.
type ShareSource interface {
	SessionID() string
	CheckPIN(pin string) bool
	Manifest(self types.Device) types.PrepareDownloadResponse
	Lookup(fileID string) (string, bool)
}

// DownloadController serves the reverse flow: peers list the files this
// node offers and pull them by ranged GETs.
type DownloadController struct {
	self   func() types.Device
	share  ShareSource
	logger *log.Logger
}

func NewDownloadController(self func() types.Device, share ShareSource, logger *log.Logger) *DownloadController {
	return &DownloadController{self: self, share: share, logger: logger}
}

func (ctrl *DownloadController) HandlePrepareDownload(c *gin.Context) {
	if ctrl.share == nil {
		c.JSON(http.StatusNotFound, tool.FastReturnError("no active share"))
		return
	}
	if !ctrl.share.CheckPIN(c.Query("pin")) {
		c.JSON(http.StatusUnauthorized, tool.FastReturnError("pin required or invalid"))
		return
	}
	c.JSON(http.StatusOK, ctrl.share.Manifest(ctrl.self()))
}

// HandleDownload streams one offered file. http.ServeFile underneath
// honors Range headers, so pullers fetch policy-sized chunks and resume
// at arbitrary offsets.
func (ctrl *DownloadController) HandleDownload(c *gin.Context) {
	if ctrl.share == nil {
		c.JSON(http.StatusNotFound, tool.FastReturnError("no active share"))
		return
	}
	sessionID := c.Query("sessionId")
	fileID := c.Query("fileId")
	if sessionID == "" || fileID == "" {
		c.JSON(http.StatusBadRequest, tool.FastReturnError("sessionId and fileId are required"))
		return
	}
	if sessionID != ctrl.share.SessionID() {
		c.JSON(http.StatusForbidden, tool.FastReturnError("Invalid token or IP address"))
		return
	}
	path, ok := ctrl.share.Lookup(fileID)
	if !ok {
		c.JSON(http.StatusNotFound, tool.FastReturnError("unknown file"))
		return
	}
	ctrl.logger.Infof("[Download] %s pulls %s", c.ClientIP(), path)
	c.File(path)
}
