// Command mibpf-pack reads a compiled ELF object and writes the packed
// binary image internal/patch.Pack produces, ready for on-device
// deployment. It stays a small, one-shot, flag-based CLI rather than
// reaching for the daemon's cobra surface: this is a pre-deployment build
// tool, not a long-running service.
package main

import (
	"flag"
	"fmt"
	"os"

	"microbpf/internal/elfreader"
	"microbpf/internal/patch"
)

func main() {
	out := flag.String("o", "", "output path for the packed binary image (default: <input>.bin)")
	flag.Parse()

	if flag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: mibpf-pack [-o output] <elf-object>")
		os.Exit(2)
	}
	inPath := flag.Arg(0)
	outPath := *out
	if outPath == "" {
		outPath = inPath + ".bin"
	}

	if err := run(inPath, outPath); err != nil {
		fmt.Fprintln(os.Stderr, "mibpf-pack:", err)
		os.Exit(1)
	}
}

func run(inPath, outPath string) error {
	raw, err := os.ReadFile(inPath)
	if err != nil {
		return err
	}

	obj, err := elfreader.Read(raw)
	if err != nil {
		return fmt.Errorf("reading ELF object: %w", err)
	}

	img, err := patch.Pack(obj)
	if err != nil {
		return fmt.Errorf("packing binary image: %w", err)
	}

	return os.WriteFile(outPath, img.Encode(), 0o644)
}
