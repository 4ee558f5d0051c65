package main

import (
	"bytes"
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/socketsecurity/smol/internal/compress"
	"github.com/socketsecurity/smol/internal/format"
	"github.com/socketsecurity/smol/internal/format/elffmt"
	"github.com/socketsecurity/smol/internal/format/machofmt"
	"github.com/socketsecurity/smol/internal/format/pefmt"
	"github.com/socketsecurity/smol/internal/frame"
	"github.com/socketsecurity/smol/internal/smfg"
	"github.com/socketsecurity/smol/internal/xlog"
)

// Exit codes per the injection tool's CLI contract.
const (
	exitOK          = 0
	exitIOOrFormat  = 1
	exitBadUsage    = 2
	exitAlreadyPacked = 3
)

type packOptions struct {
	stubPath   string
	outputPath string
	quality    string
	targetArch string
	targetLibc string
	specPath   string
	verbose    bool
}

// run parses args and dispatches to the pack or verify command, returning
// the process exit code directly rather than calling os.Exit so tests can
// invoke it in-process.
func run(args []string) int {
	opts := &packOptions{}
	code := exitOK

	root := &cobra.Command{
		Use:           "binpress <input>",
		Short:         "Append a compressed inner runtime to a stub executable",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var err error
			code, err = runPack(args[0], opts)
			return err
		},
	}
	root.Flags().StringVarP(&opts.stubPath, "stub", "u", "", "path to the stub executable (required)")
	root.Flags().StringVarP(&opts.outputPath, "output", "o", "", "path to write the packed executable (required)")
	root.Flags().StringVar(&opts.quality, "quality", "lzfse", "compression algorithm: lzfse or lzma")
	root.Flags().StringVar(&opts.targetArch, "target-arch", "amd64", "target architecture: x64 (alias amd64) or arm64")
	root.Flags().StringVar(&opts.targetLibc, "target-libc", "", "target libc: glibc, musl, or empty for non-Linux targets")
	root.Flags().StringVar(&opts.specPath, "spec", "", "path to a JSON document describing the embedded update-check config")
	root.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "enable debug logging")
	root.MarkFlagRequired("stub")
	root.MarkFlagRequired("output")

	root.AddCommand(newVerifyCmd())

	root.SetArgs(args)
	if err := root.Execute(); err != nil {
		if code == exitOK {
			code = classifyError(err)
		}
		fmt.Fprintln(os.Stderr, "binpress:", err)
	}
	return code
}

// classifyError maps an error surfaced past runPack's own exit-code-aware
// returns to one of the CLI's exit codes: runPack's own sentinel errors
// (wrapped with %w, so compared via errors.Is) take priority, then cobra's
// own arg/flag validation errors (which carry no sentinel) are recognized by
// their standard message shape as usage errors.
func classifyError(err error) int {
	switch {
	case errors.Is(err, errAlreadyPacked):
		return exitAlreadyPacked
	case errors.Is(err, errBadUsage):
		return exitBadUsage
	case isCobraUsageError(err):
		return exitBadUsage
	default:
		return exitIOOrFormat
	}
}

func isCobraUsageError(err error) bool {
	msg := err.Error()
	for _, marker := range []string{"required flag", "accepts ", "unknown flag", "unknown shorthand flag", "invalid argument"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

var errAlreadyPacked = fmt.Errorf("input already contains the %s magic marker", frame.Marker)
var errBadUsage = fmt.Errorf("bad usage")

func runPack(inputPath string, opts *packOptions) (int, error) {
	log := xlog.New(opts.verbose)

	input, err := os.ReadFile(inputPath)
	if err != nil {
		return exitIOOrFormat, err
	}
	if bytes.Contains(input, []byte(frame.Marker)) {
		return exitAlreadyPacked, errAlreadyPacked
	}

	algo, err := compress.ParseAlgo(opts.quality)
	if err != nil {
		return exitBadUsage, err
	}

	stub, err := os.ReadFile(opts.stubPath)
	if err != nil {
		return exitIOOrFormat, err
	}

	meta, err := resolvePlatformMeta(stub, opts.targetArch, opts.targetLibc)
	if err != nil {
		return exitBadUsage, err
	}

	var cfg *smfg.Config
	if opts.specPath != "" {
		cfg, err = loadSpecConfig(opts.specPath)
		if err != nil {
			return exitBadUsage, err
		}
	}

	log.Info().Int("input_bytes", len(input)).Str("algo", algo.String()).Msg("compressing")
	compressed, err := compress.Compress(input, algo)
	if err != nil {
		return exitIOOrFormat, err
	}

	cacheKey := cacheKeyOf(compressed)

	framed, err := frame.EncodeSized(compressed, uint64(len(input)), cacheKey, meta, cfg)
	if err != nil {
		return exitIOOrFormat, err
	}

	out, err := appendToStub(stub, framed)
	if err != nil {
		return exitIOOrFormat, err
	}

	if err := os.WriteFile(opts.outputPath, out, 0o755); err != nil {
		return exitIOOrFormat, err
	}

	reduction := 0.0
	if len(input) > 0 {
		reduction = 100 * (1 - float64(len(out))/float64(len(input)))
	}
	fmt.Fprintf(os.Stderr, "binpress: %d -> %d bytes (%.1f%% change)\n", len(input), len(out), reduction)
	log.Info().Str("output", opts.outputPath).Msg("done")
	return exitOK, nil
}

func cacheKeyOf(compressed []byte) string {
	sum := sha512.Sum512(compressed)
	return hex.EncodeToString(sum[:8])
}

func appendToStub(stub, trailer []byte) ([]byte, error) {
	fmt_, err := format.Detect(stub)
	if err != nil {
		return nil, err
	}
	switch fmt_ {
	case format.MachO:
		return machofmt.Adapter{}.Append(stub, trailer)
	case format.ELF:
		return elffmt.Adapter{}.Append(stub, trailer)
	case format.PE:
		return pefmt.Adapter{}.Append(stub, trailer)
	default:
		return nil, format.ErrUnsupportedFormat
	}
}

func resolvePlatformMeta(stub []byte, targetArch, targetLibc string) (frame.PlatformMeta, error) {
	fmt_, err := format.Detect(stub)
	if err != nil {
		return frame.PlatformMeta{}, err
	}

	var platform frame.Platform
	switch fmt_ {
	case format.MachO:
		platform = frame.PlatformDarwin
	case format.ELF:
		platform = frame.PlatformLinux
	case format.PE:
		platform = frame.PlatformWindows
	default:
		return frame.PlatformMeta{}, format.ErrUnsupportedFormat
	}

	var arch frame.Arch
	switch targetArch {
	case "x64", "amd64", "":
		arch = frame.ArchX64
	case "arm64":
		arch = frame.ArchARM64
	default:
		return frame.PlatformMeta{}, fmt.Errorf("%w: unknown target-arch %q", errBadUsage, targetArch)
	}

	var libc frame.Libc
	switch targetLibc {
	case "":
		libc = frame.LibcNone
	case "glibc":
		libc = frame.LibcGlibc
	case "musl":
		libc = frame.LibcMusl
	default:
		return frame.PlatformMeta{}, fmt.Errorf("%w: unknown target-libc %q", errBadUsage, targetLibc)
	}
	if platform != frame.PlatformLinux && libc != frame.LibcNone {
		return frame.PlatformMeta{}, fmt.Errorf("%w: target-libc only applies to Linux targets", errBadUsage)
	}

	return frame.PlatformMeta{Platform: platform, Arch: arch, Libc: libc}, nil
}
