package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/stephnangue/vmgate/cmd/keygen"
	"github.com/stephnangue/vmgate/cmd/server"
)

var vmgateCmd = &cobra.Command{
	Use:   "vmgate",
	Short: "vmgate brokers time-bounded remote access to virtual machines",
	Long: `vmgate stores VM login credentials under authenticated encryption,
admits connection requests through per-class rate limits, tracks brokered
session lifecycles, and hands out short-lived connection artifacts.`,
}

func Execute() {
	if err := vmgateCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	vmgateCmd.AddCommand(server.ServerCmd)
	vmgateCmd.AddCommand(keygen.KeygenCmd)
}
