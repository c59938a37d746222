// Package pull fetches files a sharing peer offers for download.
package pull

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
	outDir     string
	fileIDs    []string
)

var Cmd = &cobra.Command{
	Use:   "pull",
	Short: "Pull offered files from a peer",
	Long:  "Fetch the files the peer at --ip shares for download. An interrupted pull resumes where it left off on the next run.",
	RunE: func(cmd *cobra.Command, args []string) error {
		return run()
	},
}

func init() {
	Cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config.yaml")
	Cmd.PersistentFlags().StringVar(&logMode, "log", "", "log mode: dev|prod|none")
	Cmd.PersistentFlags().StringVar(&ip, "ip", "", "IP address of the sharing peer")
	Cmd.PersistentFlags().IntVar(&port, "port", discovery.DefaultPort, "port of the sharing peer")
	Cmd.PersistentFlags().StringVarP(&pin, "pin", "p", "", "PIN code the share expects")
	Cmd.PersistentFlags().BoolVar(&useHTTPS, "https", false, "talk https to the peer")
	Cmd.PersistentFlags().StringVarP(&outDir, "dir", "d", "", "directory for pulled files")
	Cmd.PersistentFlags().StringSliceVar(&fileIDs, "id", []string{}, "pull only these file ids (default: everything offered)")
}

func run() error {
	if ip == "" {
		return errors.New("source IP is required")
	}

	cfg, logger, err := bootstrap.Load(configPath, logMode)
	if err != nil {
		return err
	}
	if outDir != "" {
		cfg.UploadFolder = outDir
	}

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
		logger.Errorf("[Pull] Peer at %s did not answer: %v", ip, err)
		return nil
	}
	remote.Port = port
	remote.Protocol = protocol
	logger.Infof("[Pull] Pulling from %s (%s, rtt %s)", remote.Alias, ip, rtt)

	prober := netprobe.New(bootstrap.PolicyTable(cfg), nil)
	prober.Observe(ip, rtt)
	reporter := faults.NewReporter(logger)

	// Without storage the pull still works, it just cannot resume a
	// crashed run.
	var store session.Store
	if db, err := storage.OpenPath(cfg.StoragePath); err == nil {
		defer db.Close()
		store = db
	} else {
		logger.Warnf("[Pull] Resume disabled: %v", err)
	}

	manager := session.NewManager(session.Config{
		UploadDir:      cfg.UploadFolder,
		SessionFolders: cfg.SessionFolders,
		SessionTTL:     bootstrap.Seconds(cfg.SessionTTLSec),
	}, logger, nil, reporter, store)

	engine := transfer.NewEngine(transfer.Config{
		Self:         cfg.Device(),
		ChunkTimeout: bootstrap.Seconds(cfg.ChunkTimeoutSec),
		MaxRetries:   cfg.MaxChunkRetries,
	}, logger, prober, nil, reporter, store, manager)

	batch, err := engine.StartDownload(ctx, transfer.Target{Device: remote, Address: ip, PIN: pin}, fileIDs)
	if err != nil {
		logger.Errorf("[Pull] %v", err)
		return nil
	}

	monitorCtx, stopMonitor := context.WithCancel(context.Background())
	defer stopMonitor()
	outcomes := make(chan session.Info, len(batch.Files))
	go monitor(monitorCtx, manager, logger, outcomes)

	if err := engine.Wait(ctx, batch.SessionID); err != nil {
		// Leave checkpoints and part files behind: the next run picks
		// up at the watermark.
		logger.Info("[Pull] Interrupted, run again to resume")
		return nil
	}

	fetched, failed := 0, 0
	deadline := time.After(2 * time.Second)
summary:
	for seen := 0; seen < len(batch.Files); seen++ {
		select {
		case info := <-outcomes:
			switch info.Status {
			case session.StatusCompleted:
				fetched++
			case session.StatusFailed:
				failed++
				logger.Errorf("[Pull] %s failed: %s", info.FileName, info.Failure)
			case session.StatusCancelled:
				logger.Warnf("[Pull] %s cancelled", info.FileName)
			}
		case <-deadline:
			break summary
		}
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d files failed", failed, len(batch.Files))
	}
	logger.Infof("[Pull] Done, %d of %d files saved to %s", fetched, len(batch.Files), cfg.UploadFolder)
	return nil
}

// monitor narrates progress and forwards terminal states for the final
// summary. Pull progress flows through the receive manager.
func monitor(ctx context.Context, manager *session.Manager, logger *log.Logger, outcomes chan<- session.Info) {
	for {
		select {
		case <-ctx.Done():
			return
		case event := <-manager.Events():
			switch event.Type {
			case session.EventProgress:
				logger.Infof("[Pull] %s %3.0f%% (%.0f KB/s)",
					event.Info.FileName, event.Info.Percent, event.Info.BytesPerSecond/1024)
			case session.EventCompleted, session.EventFailed, session.EventCancelled:
				outcomes <- event.Info
			}
		}
	}
}
