package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/lebao3105/LocalTalk-sub002/faults"
	"github.com/lebao3105/LocalTalk-sub002/tool"
)

func (s *Server) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		started := time.Now()
		c.Next()
		s.logger.Debugf("[HTTP] %s %s from %s -> %d (%s)",
			c.Request.Method, c.Request.URL.Path, c.ClientIP(), c.Writer.Status(), time.Since(started))
	}
}

// throttle rate-limits the negotiation endpoints per client IP. Chunk
// uploads are exempt, a legitimate transfer is a burst by nature.
func (s *Server) throttle() gin.HandlerFunc {
	return func(c *gin.Context) {
		ip := c.ClientIP()
		limiter := s.limiters.Get(ip)
		if limiter == nil {
			// Two first requests may race here, the loser's limiter is
			// simply replaced before it ever denies anything.
			limiter = rate.NewLimiter(s.cfg.RateLimit, s.cfg.RateBurst)
			s.limiters.Set(ip, limiter)
		}
		if !limiter.Allow() {
			s.reporter.Report(faults.KindSecurity, faults.SeverityWarning, "api",
				fmt.Sprintf("rate limit exceeded by %s", ip), nil)
			c.AbortWithStatusJSON(http.StatusTooManyRequests, tool.FastReturnError("too many requests"))
			return
		}
		c.Next()
	}
}

func (s *Server) controlBody() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, s.cfg.MaxControlBody)
		c.Next()
	}
}
