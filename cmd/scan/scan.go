// Package scan sweeps the local network once and prints what answered.
package scan

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/lebao3105/LocalTalk-sub002/cmd/internal/bootstrap"
	"github.com/lebao3105/LocalTalk-sub002/discovery"
)

var (
	configPath string
	logMode    string
	timeout    int64
	subnetScan bool
)

var Cmd = &cobra.Command{
	Use:   "scan",
	Short: "Scan the local network for peers",
	Long:  "Announce once, listen for answers, and print every device that showed up.",
	RunE: func(cmd *cobra.Command, args []string) error {
		return run()
	},
}

func init() {
	Cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config.yaml")
	Cmd.PersistentFlags().StringVar(&logMode, "log", "none", "log mode: dev|prod|none")
	Cmd.PersistentFlags().Int64VarP(&timeout, "timeout", "t", 4, "scan duration in seconds")
	Cmd.PersistentFlags().BoolVarP(&subnetScan, "subnet", "s", false, "also walk the subnet over HTTP register")
}

func run() error {
	cfg, logger, err := bootstrap.Load(configPath, logMode)
	if err != nil {
		return err
	}

	engine := discovery.NewEngine(discovery.Config{
		Self:             cfg.Device(),
		MulticastGroup:   cfg.MulticastAddress,
		Port:             cfg.MulticastPort,
		AnnounceInterval: 2 * time.Second,
		EnableHTTPScan:   subnetScan || cfg.EnableHTTPScan,
		EnableMDNS:       cfg.EnableMDNS,
		Scan:             discovery.ScanOptions{RateLimitPPS: float64(cfg.ScanRatePPS)},
	}, logger, nil, nil, nil, nil)

	signalCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(signalCtx, time.Duration(timeout)*time.Second)
	defer cancel()

	if err := engine.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	engine.Stop()

	devices := engine.Devices()
	if len(devices) == 0 {
		fmt.Fprintln(os.Stderr, "No device found")
		return nil
	}

	fmt.Fprintf(os.Stdout, "Found devices:\n")
	for _, device := range devices {
		fmt.Fprintf(os.Stdout, "\tName: %s, Version: %s, Address: %s:%d, Protocol: %s, Fingerprint: %s\n",
			device.Alias, device.Version, device.Address, device.Port, device.Protocol, device.Fingerprint)
	}
	return nil
}
