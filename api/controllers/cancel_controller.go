package controllers

import (
	"errors"
	"net/http"

	"github.com/charmbracelet/log"
	"github.com/gin-gonic/gin"

	"github.com/lebao3105/LocalTalk-sub002/session"
	"github.com/lebao3105/LocalTalk-sub002/tool"
)

type CancelController struct {
	manager *session.Manager
	logger  *log.Logger
}

func NewCancelController(manager *session.Manager, logger *log.Logger) *CancelController {
	return &CancelController{
		manager: manager,
		logger:  logger,
	}
}

func (ctrl *CancelController) HandleCancel(c *gin.Context) {
	sessionId := c.Query("sessionId")

	if sessionId == "" {
		ctrl.logger.Errorf("Missing required parameter: sessionId")
		c.JSON(http.StatusBadRequest, tool.FastReturnError("Missing parameters"))
		return
	}

	ctrl.logger.Debugf("Received cancel request: sessionId=%s", sessionId)

	if err := ctrl.manager.Cancel(sessionId); err != nil {
		// Cancelling an already-gone session is a success on the wire.
		if errors.Is(err, session.ErrUnknownSession) {
			c.Status(http.StatusOK)
			return
		}
		ctrl.logger.Errorf("Cancel failed: %v", err)
		c.JSON(http.StatusInternalServerError, tool.FastReturnError("Internal server error"))
		return
	}

	c.Status(http.StatusOK)
}
