// Package send pushes files to one receiver and reports how it went.
package send

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/lebao3105/LocalTalk-sub002/cmd/internal/bootstrap"
	"github.com/lebao3105/LocalTalk-sub002/discovery"
	"github.com/lebao3105/LocalTalk-sub002/faults"
	"github.com/lebao3105/LocalTalk-sub002/netprobe"
	"github.com/lebao3105/LocalTalk-sub002/session"
	"github.com/lebao3105/LocalTalk-sub002/storage"
	"github.com/lebao3105/LocalTalk-sub002/transfer"
	"github.com/lebao3105/LocalTalk-sub002/types"
)

var (
	configPath string
	logMode    string
	ip         string
	port       int
	pin        string
	useHTTPS   bool
	files      []string
)

var Cmd = &cobra.Command{
	Use:   "send [files]...",
	Short: "Send files to a peer",
	Long:  "Negotiate an upload with the receiver at --ip and stream the files over.",
	RunE: func(cmd *cobra.Command, args []string) error {
		files = append(files, args...)
		return run()
	},
}

func init() {
	Cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config.yaml")
	Cmd.PersistentFlags().StringVar(&logMode, "log", "", "log mode: dev|prod|none")
	Cmd.PersistentFlags().StringVar(&ip, "ip", "", "IP address of the receiver")
	Cmd.PersistentFlags().IntVar(&port, "port", discovery.DefaultPort, "port of the receiver")
	Cmd.PersistentFlags().StringVarP(&pin, "pin", "p", "", "PIN code the receiver expects")
	Cmd.PersistentFlags().BoolVar(&useHTTPS, "https", false, "talk https to the receiver")
	Cmd.PersistentFlags().StringSliceVarP(&files, "file", "f", []string{}, "file to be sent")
}

func run() error {
	if ip == "" {
		return errors.New("target IP is required")
	}
	if len(files) == 0 {
		return errors.New("at least one file is required")
	}

	cfg, logger, err := bootstrap.Load(configPath, logMode)
	if err != nil {
		return err
	}
	self := cfg.Device()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	protocol := "http"
	if useHTTPS {
		protocol = "https"
	}
	stub := types.Device{Port: port, Protocol: protocol}

	infoCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	remote, rtt, err := discovery.FetchPeerInfo(infoCtx, stub, ip)
	cancel()
	if err != nil {
		logger.Errorf("[Send] Receiver at %s did not answer: %v", ip, err)
		return nil
	}
	remote.Port = port
	remote.Protocol = protocol
	logger.Infof("[Send] Sending to %s (%s, rtt %s)", remote.Alias, ip, rtt)

	prober := netprobe.New(bootstrap.PolicyTable(cfg), nil)
	prober.Observe(ip, rtt)

	// History is nice to have; a broken database must not stop a send.
	var store session.Store
	if db, err := storage.OpenPath(cfg.StoragePath); err == nil {
		defer db.Close()
		store = db
	} else {
		logger.Warnf("[Send] History disabled: %v", err)
	}

	engine := transfer.NewEngine(transfer.Config{
		Self:         self,
		ChunkTimeout: bootstrap.Seconds(cfg.ChunkTimeoutSec),
		MaxRetries:   cfg.MaxChunkRetries,
	}, logger, prober, nil, faults.NewReporter(logger), store, nil)

	batch, err := engine.StartUpload(ctx, transfer.Target{Device: remote, Address: ip, PIN: pin}, files)
	if err != nil {
		logger.Errorf("[Send] %v", err)
		return nil
	}
	if batch.SessionID == "" {
		logger.Info("[Send] Receiver needs nothing from this batch")
		return nil
	}

	monitorCtx, stopMonitor := context.WithCancel(context.Background())
	defer stopMonitor()
	outcomes := make(chan session.Info, len(batch.Files))
	go monitor(monitorCtx, engine, logger, outcomes)

	if err := engine.Wait(ctx, batch.SessionID); err != nil {
		logger.Info("[Send] Abort")
		if err := engine.CancelTransfer(batch.SessionID); err != nil {
			logger.Warnf("[Send] Cancel failed: %v", err)
		}
		flushCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		engine.Wait(flushCtx, batch.SessionID)
	}

	// Every accepted file ends in exactly one terminal event; the
	// deadline covers the rare dropped event on a saturated stream.
	sent, failed := 0, 0
	deadline := time.After(2 * time.Second)
summary:
	for seen := 0; seen < len(batch.Files); seen++ {
		select {
		case info := <-outcomes:
			switch info.Status {
			case session.StatusCompleted:
				sent++
			case session.StatusFailed:
				failed++
				logger.Errorf("[Send] %s failed: %s", info.FileName, info.Failure)
			case session.StatusCancelled:
				logger.Warnf("[Send] %s cancelled", info.FileName)
			}
		case <-deadline:
			break summary
		}
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d files failed", failed, len(batch.Files))
	}
	logger.Infof("[Send] Done, %d of %d files sent", sent, len(batch.Files))
	return nil
}

// monitor narrates progress and forwards terminal states for the final
// summary.
func monitor(ctx context.Context, engine *transfer.Engine, logger *log.Logger, outcomes chan<- session.Info) {
	for {
		select {
		case <-ctx.Done():
			return
		case event := <-engine.Events():
			switch event.Type {
			case session.EventProgress:
				logger.Infof("[Send] %s %3.0f%% (%.0f KB/s)",
					event.Info.FileName, event.Info.Percent, event.Info.BytesPerSecond/1024)
			case session.EventCompleted, session.EventFailed, session.EventCancelled:
				outcomes <- event.Info
			}
		}
	}
}
