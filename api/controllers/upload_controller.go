package controllers

import (
	"compress/gzip"
	"io"
	"net/http"
	"strings"
	"time"

	ttlworker "github.com/FloatTech/ttl"
	"github.com/charmbracelet/log"
	"github.com/gin-gonic/gin"

	"github.com/lebao3105/LocalTalk-sub002/api/models"
	"github.com/lebao3105/LocalTalk-sub002/session"
	"github.com/lebao3105/LocalTalk-sub002/tool"
)

// v1SessionWindow keeps the IP-to-session binding alive as long as the
// receive manager keeps the session itself.
const v1SessionWindow = time.Hour

// UploadController drives the transfer negotiation and chunk intake.
type UploadController struct {
	manager *session.Manager
	v1      *ttlworker.Cache[string, string]
	logger  *log.Logger
}

func NewUploadController(manager *session.Manager, logger *log.Logger) *UploadController {
	return &UploadController{
		manager: manager,
		v1:      ttlworker.NewCache[string, string](v1SessionWindow),
		logger:  logger,
	}
}

func (ctrl *UploadController) HandlePrepareUpload(c *gin.Context) {
	pin := c.Query("pin")
	body, err := c.GetRawData()
	if err != nil {
		ctrl.logger.Errorf("Failed to read prepare-upload request body: %v", err)
		c.JSON(readStatus(err), tool.FastReturnError("Failed to read request body"))
		return
	}

	request, err := models.ParsePrepareUploadRequest(body)
	if err != nil {
		ctrl.logger.Errorf("Failed to parse prepare-upload request: %v", err)
		c.JSON(http.StatusBadRequest, tool.FastReturnError("Invalid request body"))
		return
	}

	ctrl.logger.Infof("[PrepareUpload] Received prepare-upload request from %s (%d files)",
		request.Info.Alias, len(request.Files))

	response, err := ctrl.manager.Prepare(request, pin, c.ClientIP())
	if err != nil {
		ctrl.logger.Errorf("[PrepareUpload] Prepare failed: %v", err)
		c.JSON(prepareStatus(err), tool.FastReturnError(err.Error()))
		return
	}

	c.JSON(http.StatusOK, response)
}

func (ctrl *UploadController) HandleUpload(c *gin.Context) {
	sessionId := c.Query("sessionId")
	fileId := c.Query("fileId")
	token := c.Query("token")

	if sessionId == "" || fileId == "" || token == "" {
		ctrl.logger.Errorf("Missing required parameters: sessionId=%s, fileId=%s, token=%s", sessionId, fileId, token)
		c.JSON(http.StatusBadRequest, tool.FastReturnError("Missing parameters"))
		return
	}

	chunk, err := models.ParseContentRange(c.GetHeader("Content-Range"))
	if err != nil {
		ctrl.logger.Errorf("[Upload] Bad Content-Range: %v", err)
		c.JSON(http.StatusBadRequest, tool.FastReturnError(err.Error()))
		return
	}

	body := io.Reader(c.Request.Body)
	if strings.EqualFold(c.GetHeader("Content-Encoding"), "gzip") {
		decoder, err := gzip.NewReader(c.Request.Body)
		if err != nil {
			ctrl.logger.Errorf("[Upload] Bad gzip payload: %v", err)
			c.JSON(http.StatusBadRequest, tool.FastReturnError("Invalid gzip payload"))
			return
		}
		defer decoder.Close()
		body = decoder
	}

	remoteAddr := c.ClientIP()
	ctrl.logger.Debugf("[Upload] sessionId=%s, fileId=%s, remoteAddr=%s", sessionId, fileId, remoteAddr)

	if err := ctrl.manager.Receive(sessionId, fileId, token, remoteAddr, chunk, body); err != nil {
		ctrl.logger.Errorf("[Upload] Upload error: %v", err)
		c.JSON(uploadStatus(err), tool.FastReturnError(err.Error()))
		return
	}

	c.Status(http.StatusOK)
}

// HandlePrepareV1Upload handles the V1 send-request. V1 differs from
// V2: no PIN, no sessionId in later requests, the peer is tracked by
// its address instead.
func (ctrl *UploadController) HandlePrepareV1Upload(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		ctrl.logger.Errorf("[V1 SendRequest] Failed to read request body: %v", err)
		c.JSON(readStatus(err), tool.FastReturnError("Failed to read request body"))
		return
	}

	request, err := models.ParsePrepareUploadRequest(body)
	if err != nil {
		ctrl.logger.Errorf("[V1 SendRequest] Failed to parse request: %v", err)
		c.JSON(http.StatusBadRequest, tool.FastReturnError("Invalid request body"))
		return
	}

	remoteAddr := c.ClientIP()
	ctrl.logger.Infof("[V1 SendRequest] Received send-request from %s (IP: %s)", request.Info.Alias, remoteAddr)

	response, err := ctrl.manager.Prepare(request, "", remoteAddr)
	if err != nil {
		ctrl.logger.Errorf("[V1 SendRequest] Prepare failed: %v", err)
		c.JSON(prepareStatus(err), tool.FastReturnError(err.Error()))
		return
	}

	ctrl.v1.Set(remoteAddr, response.SessionId)

	// V1 response only carries the {fileId: token} map.
	c.JSON(http.StatusOK, response.Files)
}

// HandleUploadV1Upload handles a V1 file upload, resolving the session
// from the sender's address.
func (ctrl *UploadController) HandleUploadV1Upload(c *gin.Context) {
	fileId := c.Query("fileId")
	token := c.Query("token")

	if fileId == "" || token == "" {
		ctrl.logger.Errorf("[V1 Send] Missing required parameters: fileId=%s, token=%s", fileId, token)
		c.JSON(http.StatusBadRequest, tool.FastReturnError("Missing parameters"))
		return
	}

	remoteAddr := c.ClientIP()
	sessionId := ctrl.v1.Get(remoteAddr)
	if sessionId == "" {
		ctrl.logger.Errorf("[V1 Send] No active session found for IP: %s", remoteAddr)
		c.JSON(http.StatusConflict, tool.FastReturnError("No active session"))
		return
	}

	if err := ctrl.manager.Receive(sessionId, fileId, token, remoteAddr, nil, c.Request.Body); err != nil {
		ctrl.logger.Errorf("[V1 Send] Upload error: %v", err)
		c.JSON(uploadStatus(err), tool.FastReturnError(err.Error()))
		return
	}

	c.Status(http.StatusOK)
}
