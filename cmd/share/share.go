// Package share offers local files for peers to pull over the
// download API.
package share

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

	"github.com/lebao3105/LocalTalk-sub002/api"
	"github.com/lebao3105/LocalTalk-sub002/cmd/internal/bootstrap"
	"github.com/lebao3105/LocalTalk-sub002/faults"
	"github.com/lebao3105/LocalTalk-sub002/session"
	"github.com/lebao3105/LocalTalk-sub002/tool"
	"github.com/lebao3105/LocalTalk-sub002/transfer"
	"github.com/lebao3105/LocalTalk-sub002/types"
)

var (
	configPath string
	logMode    string
	pin        string
	port       int
	showQR     bool
	files      []string
)

var Cmd = &cobra.Command{
	Use:   "share [files]...",
	Short: "Offer files for peers to pull",
	Long:  "Serve the given files over the download API until interrupted. Peers fetch them with pull or a browser.",
	RunE: func(cmd *cobra.Command, args []string) error {
		files = append(files, args...)
		return run()
	},
}

func init() {
	Cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config.yaml")
	Cmd.PersistentFlags().StringVar(&logMode, "log", "", "log mode: dev|prod|none")
	Cmd.PersistentFlags().StringVarP(&pin, "pin", "p", "", "require this PIN before listing the share")
	Cmd.PersistentFlags().IntVar(&port, "port", 0, "listening port")
	Cmd.PersistentFlags().BoolVar(&showQR, "qr", true, "print a QR code with the share URL")
	Cmd.PersistentFlags().StringSliceVarP(&files, "file", "f", []string{}, "file to be offered")
}

func run() error {
	if len(files) == 0 {
		return errors.New("at least one file is required")
	}

	cfg, logger, err := bootstrap.Load(configPath, logMode)
	if err != nil {
		return err
	}
	if port > 0 {
		cfg.Port = port
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	offer, err := transfer.NewShare(files, pin)
	if err != nil {
		return fmt.Errorf("build share: %v", err)
	}

	self := cfg.Device()
	self.Download = true

	reporter := faults.NewReporter(logger)
	manager := session.NewManager(session.Config{
		UploadDir: cfg.UploadFolder,
		PIN:       cfg.Pin,
	}, logger, nil, reporter, nil)

	server := api.NewServer(api.Config{
		Port:     cfg.Port,
		Protocol: cfg.Protocol,
	}, api.Deps{
		Self:     func() types.Device { return self },
		Manager:  manager,
		Reporter: reporter,
		Share:    offer,
		Logger:   logger,
	})

	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Errorf("[Share] API server failed: %v", err)
			stop()
		}
	}()

	logger.Infof("[Share] Offering %d files on port %d (session %s)", len(offer.Files()), cfg.Port, offer.SessionID())
	printShareHint(cfg, offer)

	<-ctx.Done()
	logger.Info("[Share] Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// printShareHint lists one download URL per offered file and renders
// the first one as a QR code for phone clients.
func printShareHint(cfg tool.AppConfig, offer *transfer.Share) {
	infos := tool.GetSelfNetworkInfos()
	if len(infos) == 0 {
		return
	}
	host := infos[0].IPAddress
	base := fmt.Sprintf("%s://%s:%d/api/localsend/v2/download", cfg.Protocol, host, cfg.Port)

	var first string
	for _, info := range offer.Files() {
		target := fmt.Sprintf("%s?sessionId=%s&fileId=%s", base, offer.SessionID(), info.ID)
		if first == "" {
			first = target
		}
		fmt.Fprintf(os.Stdout, "%s  %s\n", info.FileName, target)
	}

	if !showQR || first == "" {
		return
	}
	qr, err := qrcode.New(first, qrcode.Medium)
	if err != nil {
		tool.DefaultLogger.Warnf("[Share] QR render failed: %v", err)
		return
	}
	fmt.Fprintln(os.Stdout, qr.ToSmallString(false))
}
