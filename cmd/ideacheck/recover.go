package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nstogner/ideacheck/pkg/controller"
	"github.com/nstogner/ideacheck/pkg/transport"
)

var recoverCmd = &cobra.Command{
	Use:   "recover",
	Short: "Finalize messages left streaming by a crashed process",
	Long: `Mark every message still streaming in the store as interrupted so the
threads can be continued. serve does this on startup.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		st, _, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer st.Close()

		// Recovery never opens a stream.
		noop := transport.Func(nil)
		ctrl := controller.New(st, noop, controllerConfig(cfg))
		defer ctrl.Close()

		n, err := ctrl.Recover(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Recovered %d message(s)\n", n)
		return nil
	},
}
