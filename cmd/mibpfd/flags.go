package main

import (
	"fmt"
	"strconv"
	"strings"

	"microbpf/internal/helper"
	"microbpf/internal/vmcore"
)

func parseLayout(s string) (vmcore.Layout, error) {
	switch s {
	case "only_text":
		return vmcore.OnlyText, nil
	case "femto_header":
		return vmcore.FemtoHeader, nil
	case "extended_header":
		return vmcore.ExtendedHeader, nil
	case "raw_object":
		return vmcore.RawObject, nil
	default:
		return 0, fmt.Errorf("unknown layout %q", s)
	}
}

func parseTarget(s string) (vmcore.Target, error) {
	switch s {
	case "interpreter":
		return vmcore.Interpreter, nil
	case "femtocontainer":
		return vmcore.FemtoContainer, nil
	default:
		return 0, fmt.Errorf("unknown target %q", s)
	}
}

func parseVerifyMode(s string) (helper.VerificationMode, error) {
	switch s {
	case "none":
		return helper.NoVerification, nil
	case "preflight":
		return helper.PreFlight, nil
	case "loadtime":
		return helper.LoadTime, nil
	default:
		return 0, fmt.Errorf("unknown verification mode %q", s)
	}
}

// parseHelperList parses a comma-separated list of decimal or 0x-prefixed
// hex helper IDs, e.g. "1,2,0x61".
func parseHelperList(s string) ([]helper.ID, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	ids := make([]helper.ID, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.ParseUint(strings.TrimSpace(p), 0, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid helper id %q: %w", p, err)
		}
		ids = append(ids, helper.ID(n))
	}
	return ids, nil
}
