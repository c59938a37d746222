package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/lebao3105/LocalTalk-sub002/cmd/history"
	"github.com/lebao3105/LocalTalk-sub002/cmd/pull"
	"github.com/lebao3105/LocalTalk-sub002/cmd/scan"
	"github.com/lebao3105/LocalTalk-sub002/cmd/send"
	"github.com/lebao3105/LocalTalk-sub002/cmd/serve"
	"github.com/lebao3105/LocalTalk-sub002/cmd/share"
	"github.com/lebao3105/LocalTalk-sub002/tool"
)

var rootCmd = &cobra.Command{
	Use:   "localtalk",
	Short: "LAN file sharing node",
	Long:  "LocalTalk discovers peers on the local network and moves files between them.",
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		tool.DefaultLogger.Errorf("%v", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(serve.Cmd)
	rootCmd.AddCommand(scan.Cmd)
	rootCmd.AddCommand(send.Cmd)
	rootCmd.AddCommand(pull.Cmd)
	rootCmd.AddCommand(share.Cmd)
	rootCmd.AddCommand(history.Cmd)
}
