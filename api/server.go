package api

import (
	"context"
	"crypto/tls"
	"encoding/pem"
	"fmt"
	"net/http"
	"sync"
	"time"

	ttlworker "github.com/FloatTech/ttl"
	"github.com/charmbracelet/log"
	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/lebao3105/LocalTalk-sub002/api/controllers"
	"github.com/lebao3105/LocalTalk-sub002/discovery"
	"github.com/lebao3105/LocalTalk-sub002/faults"
	"github.com/lebao3105/LocalTalk-sub002/session"
	"github.com/lebao3105/LocalTalk-sub002/tool"
	"github.com/lebao3105/LocalTalk-sub002/types"
)

const (
	// DefaultMaxControlBody caps negotiation bodies. Uploads are not
	// capped here, chunk sizing is the sender policy's job.
	DefaultMaxControlBody = 4 << 20

	DefaultRateLimit = rate.Limit(20)
	DefaultRateBurst = 40

	// limiterWindow evicts idle per-IP limiters.
	limiterWindow = 10 * time.Minute
)

// Config holds the wire-facing server settings.
type Config struct {
	Port           int
	Protocol       string
	MaxControlBody int64
	RateLimit      rate.Limit
	RateBurst      int

	// TLSCertDER/TLSKeyDER carry pre-generated credentials so the
	// fingerprint derived from the certificate matches what the server
	// presents. Empty means the server mints its own on start.
	TLSCertDER []byte
	TLSKeyDER  []byte
}

func (c Config) withDefaults() Config {
	if c.Port == 0 {
		c.Port = discovery.DefaultPort
	}
	if c.Protocol == "" {
		c.Protocol = "http"
	}
	if c.MaxControlBody <= 0 {
		c.MaxControlBody = DefaultMaxControlBody
	}
	if c.RateLimit <= 0 {
		c.RateLimit = DefaultRateLimit
	}
	if c.RateBurst <= 0 {
		c.RateBurst = DefaultRateBurst
	}
	return c
}

// Deps are the injected collaborators. Self must be set, the rest are
// optional and their endpoints degrade when absent.
type Deps struct {
	Self     func() types.Device
	Manager  *session.Manager
	Engine   *discovery.Engine
	Reporter *faults.Reporter
	History  controllers.HistoryStore
	Share    controllers.ShareSource
	Logger   *log.Logger
}

// Server is the HTTP face of the engine: the peer protocol under
// /api/localsend and the local control surface under /api/localtalk.
type Server struct {
	cfg      Config
	logger   *log.Logger
	reporter *faults.Reporter
	router   *gin.Engine
	limiters *ttlworker.Cache[string, *rate.Limiter]

	mu     sync.Mutex
	server *http.Server
}

func NewServer(cfg Config, deps Deps) *Server {
	cfg = cfg.withDefaults()
	logger := deps.Logger
	if logger == nil {
		logger = log.Default()
	}
	reporter := deps.Reporter
	if reporter == nil {
		reporter = faults.NewReporter(logger)
	}

	s := &Server{
		cfg:      cfg,
		logger:   logger,
		reporter: reporter,
		limiters: ttlworker.NewCache[string, *rate.Limiter](limiterWindow),
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.HandleMethodNotAllowed = true
	router.Use(gin.Recovery(), s.requestLog())

	registerCtrl := controllers.NewRegisterController(deps.Self, deps.Engine, logger)
	uploadCtrl := controllers.NewUploadController(deps.Manager, logger)
	cancelCtrl := controllers.NewCancelController(deps.Manager, logger)
	downloadCtrl := controllers.NewDownloadController(deps.Self, deps.Share, logger)
	userCtrl := controllers.NewUserController(deps.Engine, deps.Manager, reporter, deps.History, logger)

	v2 := router.Group("/api/localsend/v2")
	v2.GET("/info", registerCtrl.HandleInfo)
	v2.POST("/register", s.throttle(), s.controlBody(), registerCtrl.HandleRegister)
	v2.POST("/prepare-upload", s.throttle(), s.controlBody(), uploadCtrl.HandlePrepareUpload)
	v2.POST("/upload", uploadCtrl.HandleUpload)
	v2.POST("/cancel", s.throttle(), cancelCtrl.HandleCancel)
	v2.POST("/prepare-download", s.throttle(), downloadCtrl.HandlePrepareDownload)
	v2.GET("/download", downloadCtrl.HandleDownload)

	v1 := router.Group("/api/localsend/v1")
	v1.GET("/info", registerCtrl.HandleInfo)
	v1.POST("/register", s.throttle(), s.controlBody(), registerCtrl.HandleRegister)
	v1.POST("/send-request", s.throttle(), s.controlBody(), uploadCtrl.HandlePrepareV1Upload)
	v1.POST("/send", uploadCtrl.HandleUploadV1Upload)

	local := router.Group("/api/localtalk/v1")
	local.GET("/devices", userCtrl.HandleDevices)
	local.POST("/devices/:fingerprint/connect", userCtrl.HandleConnect)
	local.POST("/scan", s.throttle(), userCtrl.HandleScan)
	local.GET("/transfers", userCtrl.HandleTransfers)
	local.GET("/errors", userCtrl.HandleErrors)
	local.GET("/history", userCtrl.HandleHistory)

	s.router = router
	return s
}

// Handler exposes the routing tree, tests drive it through httptest.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start blocks serving requests until the listener closes.
func (s *Server) Start() error {
	s.mu.Lock()
	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.cfg.Port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	server := s.server
	s.mu.Unlock()

	s.logger.Infof("[API] Listening on %s://0.0.0.0:%d", s.cfg.Protocol, s.cfg.Port)

	if s.cfg.Protocol == "https" {
		certDER, keyDER := s.cfg.TLSCertDER, s.cfg.TLSKeyDER
		if len(certDER) == 0 || len(keyDER) == 0 {
			var err error
			certDER, keyDER, err = tool.GenerateTLSCert()
			if err != nil {
				return fmt.Errorf("generate TLS certificate: %w", err)
			}
		}
		certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})
		keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})
		cert, err := tls.X509KeyPair(certPEM, keyPEM)
		if err != nil {
			return fmt.Errorf("load TLS certificate: %w", err)
		}
		server.TLSConfig = &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		}
		return server.ListenAndServeTLS("", "")
	}

	return server.ListenAndServe()
}

// Shutdown drains in-flight requests until the context gives up.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	server := s.server
	s.mu.Unlock()
	if server == nil {
		return nil
	}
	return server.Shutdown(ctx)
}
