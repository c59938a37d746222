// Package serve runs the receiving node: discovery, the wire API and
// the session engine, wired together and torn down on signal.
package serve

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	qrcode "github.com/skip2/go-qrcode"
	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"github.com/lebao3105/LocalTalk-sub002/api"
	"github.com/lebao3105/LocalTalk-sub002/cmd/internal/bootstrap"
	"github.com/lebao3105/LocalTalk-sub002/discovery"
	"github.com/lebao3105/LocalTalk-sub002/faults"
	"github.com/lebao3105/LocalTalk-sub002/netprobe"
	"github.com/lebao3105/LocalTalk-sub002/notify"
	"github.com/lebao3105/LocalTalk-sub002/progress"
	"github.com/lebao3105/LocalTalk-sub002/session"
	"github.com/lebao3105/LocalTalk-sub002/storage"
	"github.com/lebao3105/LocalTalk-sub002/tool"
	"github.com/lebao3105/LocalTalk-sub002/types"
)

var (
	configPath string
	logMode    string
	uploadDir  string
	pin        string
	port       int
	showQR     bool
)

var Cmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the receiving node",
	Long:  "Announce this device on the LAN and accept incoming transfers.",
	RunE: func(cmd *cobra.Command, args []string) error {
		return run()
	},
}

func init() {
	Cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config.yaml")
	Cmd.PersistentFlags().StringVar(&logMode, "log", "", "log mode: dev|prod|none")
	Cmd.PersistentFlags().StringVarP(&uploadDir, "dir", "d", "", "directory for received files")
	Cmd.PersistentFlags().StringVarP(&pin, "pin", "p", "", "require this PIN for incoming transfers")
	Cmd.PersistentFlags().IntVar(&port, "port", 0, "listening port")
	Cmd.PersistentFlags().BoolVar(&showQR, "qr", true, "print a QR code with the connect URL")
}

func run() error {
	cfg, logger, err := bootstrap.Load(configPath, logMode)
	if err != nil {
		return err
	}
	if uploadDir != "" {
		cfg.UploadFolder = uploadDir
	}
	if pin != "" {
		cfg.Pin = pin
	}
	if port > 0 {
		cfg.Port = port
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var certDER, keyDER []byte
	if cfg.Protocol == "https" {
		certDER, keyDER, err = tool.GenerateTLSCert()
		if err != nil {
			return fmt.Errorf("generate serving certificate: %v", err)
		}
		cfg.Fingerprint = tool.CertificateFingerprint(certDER)
	}
	self := cfg.Device()

	store, err := storage.OpenPath(cfg.StoragePath)
	if err != nil {
		return fmt.Errorf("open storage: %v", err)
	}
	defer store.Close()

	reporter := faults.NewReporter(logger)
	tracker := progress.NewTracker()
	prober := netprobe.New(bootstrap.PolicyTable(cfg), nil)

	manager := session.NewManager(session.Config{
		UploadDir:      cfg.UploadFolder,
		SessionFolders: cfg.SessionFolders,
		SessionTTL:     bootstrap.Seconds(cfg.SessionTTLSec),
		PIN:            cfg.Pin,
	}, logger, tracker, reporter, store)

	engine := discovery.NewEngine(discovery.Config{
		Self:             self,
		MulticastGroup:   cfg.MulticastAddress,
		Port:             cfg.MulticastPort,
		AnnounceInterval: bootstrap.Seconds(cfg.AnnounceIntervalSec),
		SweepInterval:    bootstrap.Seconds(cfg.SweepIntervalSec),
		LivenessTimeout:  bootstrap.Seconds(cfg.LivenessTimeoutSec),
		EnableHTTPScan:   cfg.EnableHTTPScan,
		EnableMDNS:       cfg.EnableMDNS,
		Scan:             discovery.ScanOptions{RateLimitPPS: float64(cfg.ScanRatePPS)},
	}, logger, nil, prober, reporter, store)

	server := api.NewServer(api.Config{
		Port:       cfg.Port,
		Protocol:   cfg.Protocol,
		RateLimit:  rate.Limit(cfg.RequestsPerSecond),
		RateBurst:  cfg.RequestBurst,
		TLSCertDER: certDER,
		TLSKeyDER:  keyDER,
	}, api.Deps{
		Self:     func() types.Device { return self },
		Manager:  manager,
		Engine:   engine,
		Reporter: reporter,
		History:  store,
		Logger:   logger,
	})

	if cfg.WebhookURL != "" {
		notifier, err := notify.New(notify.Config{URL: cfg.WebhookURL}, logger)
		if err != nil {
			return fmt.Errorf("configure webhook: %v", err)
		}
		go notifier.Pump(ctx, manager.Events())
	}

	if err := engine.Start(ctx); err != nil {
		return fmt.Errorf("start discovery: %v", err)
	}
	defer engine.Stop()

	go vacuumLoop(ctx, manager)

	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Errorf("[Serve] API server failed: %v", err)
			stop()
		}
	}()

	logger.Infof("[Serve] %s listening on port %d (%s), saving to %s",
		self.Alias, cfg.Port, cfg.Protocol, cfg.UploadFolder)
	if showQR {
		printConnectHint(cfg)
	}

	<-ctx.Done()
	logger.Info("[Serve] Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warnf("[Serve] API shutdown: %v", err)
	}
	return nil
}

// vacuumLoop clears expired exchanges so abandoned sessions do not pin
// their part files forever.
func vacuumLoop(ctx context.Context, manager *session.Manager) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			manager.Vacuum()
		}
	}
}

// printConnectHint renders the first LAN address as a scannable QR code
// so phone clients can connect without typing.
func printConnectHint(cfg tool.AppConfig) {
	infos := tool.GetSelfNetworkInfos()
	if len(infos) == 0 {
		return
	}
	target := fmt.Sprintf("%s://%s:%d", cfg.Protocol, infos[0].IPAddress, cfg.Port)
	qr, err := qrcode.New(target, qrcode.Medium)
	if err != nil {
		tool.DefaultLogger.Warnf("[Serve] QR render failed: %v", err)
		return
	}
	fmt.Fprintln(os.Stdout, qr.ToSmallString(false))
	fmt.Fprintf(os.Stdout, "Connect at %s\n", target)
}
