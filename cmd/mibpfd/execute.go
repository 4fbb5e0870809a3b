package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"microbpf/internal/config"
	"microbpf/internal/helper"
	"microbpf/internal/manager"
	"microbpf/internal/vmcore"
)

// newExecuteCmd builds the `execute` subcommand. When --program is given it
// fetches the file into the target slot first (so a single invocation can
// demonstrate load+run without `serve`'s stdin loop), then submits an
// execution request through the worker pool and prints the resulting
// return value and timing breakdown.
func newExecuteCmd(v *viper.Viper, newLogger func() zerolog.Logger) *cobra.Command {
	var (
		program    string
		slotIdx    int
		target     string
		layout     string
		verify     string
		helpers    string
		jit        bool
		jitCompile bool
		inline     bool
	)

	cmd := &cobra.Command{
		Use:   "execute",
		Short: "run a program already resident in (or newly fetched into) a slot",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load(v)
			a, err := newApp(cfg, newLogger())
			if err != nil {
				return err
			}
			defer a.mgr.Close()

			l, err := parseLayout(layout)
			if err != nil {
				return err
			}
			t, err := parseTarget(target)
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

			if program != "" {
				raw, err := os.ReadFile(program)
				if err != nil {
					return err
				}
				if err := a.mgr.Fetch(slotIdx, raw, "", l, helper.NoVerification, nil); err != nil {
					return err
				}
			}

			req := manager.Request{
				Slot:       slotIdx,
				Target:     t,
				Layout:     l,
				JIT:        jit,
				JITCompile: jitCompile,
				VerifyMode: mode,
				Allowed:    helper.NewAccessList(ids),
			}

			var res vmcore.ExecutionResult
			if inline {
				res = a.mgr.RunInline(req)
			} else {
				res = a.mgr.Submit(req)
			}
			if res.Err != nil {
				return res.Err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "return_value=%d load_us=%d verify_us=%d exec_us=%d total_us=%d\n",
				res.ReturnValue, res.Timings.LoadTime, res.Timings.VerificationTime, res.Timings.ExecutionTime, res.Timings.TotalTime)
			return nil
		},
	}

	cmd.Flags().StringVar(&program, "program", "", "optional binary image to fetch into --slot before executing")
	cmd.Flags().IntVar(&slotIdx, "slot", 0, "slot index to execute")
	cmd.Flags().StringVar(&target, "target", "interpreter", "back-end target: interpreter|femtocontainer")
	cmd.Flags().StringVar(&layout, "layout", "raw_object", "binary layout: only_text|femto_header|extended_header|raw_object")
	cmd.Flags().StringVar(&verify, "verify", "preflight", "helper verification mode: none|preflight|loadtime")
	cmd.Flags().StringVar(&helpers, "helpers", "", "comma-separated allowed helper IDs (e.g. 1,2,0x61)")
	cmd.Flags().BoolVar(&jit, "jit", false, "use the JIT back-end (requires raw_object layout)")
	cmd.Flags().BoolVar(&jitCompile, "jit-compile", true, "(re)translate the program before executing; false reuses a prior translation")
	cmd.Flags().BoolVar(&inline, "inline", false, "run synchronously on this goroutine, bypassing the worker pool")
	return cmd
}
