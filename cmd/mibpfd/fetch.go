package main

import (
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"microbpf/internal/config"
	"microbpf/internal/helper"
)

// newFetchCmd builds the `fetch` subcommand: load a packed binary image
// (see cmd/mibpf-pack) into a slot, optionally running load-time helper
// verification immediately. A standalone `fetch` invocation's slot does
// not survive past the process exit; `execute --program` loads and runs a
// program within one process.
func newFetchCmd(v *viper.Viper, newLogger func() zerolog.Logger) *cobra.Command {
	var (
		slotIdx  int
		layout   string
		verify   string
		manifest string
		helpers  string
	)

	cmd := &cobra.Command{
		Use:   "fetch <binary-image>",
		Short: "load a packed binary image into a program slot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load(v)
			a, err := newApp(cfg, newLogger())
			if err != nil {
				return err
			}

			program, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			l, err := parseLayout(layout)
			if err != nil {
				return err
			}
			mode, err := parseVerifyMode(verify)
			if err != nil {
				return err
			}
			ids, err := parseHelperList(helpers)
			if err != nil {
				return err
			}

			if err := a.mgr.Fetch(slotIdx, program, manifest, l, mode, helper.NewAccessList(ids)); err != nil {
				return err
			}
			cmd.Printf("fetched %d bytes into slot %d\n", len(program), slotIdx)
			return a.mgr.Close()
		},
	}

	cmd.Flags().IntVar(&slotIdx, "slot", 0, "destination slot index")
	cmd.Flags().StringVar(&layout, "layout", "raw_object", "binary layout: only_text|femto_header|extended_header|raw_object")
	cmd.Flags().StringVar(&verify, "verify", "preflight", "helper verification mode: none|preflight|loadtime")
	cmd.Flags().StringVar(&manifest, "manifest", "", "SUIT manifest URI recorded alongside the slot (diagnostic only)")
	cmd.Flags().StringVar(&helpers, "helpers", "", "comma-separated allowed helper IDs (e.g. 1,2,0x61)")
	return cmd
}
