// Command smolstub is the target-side launcher appended to by binpress: at
// startup it locates its own image, finds the payload frame appended past
// its own code, decompresses it into the dlx cache (or reuses a prior
// extraction), and launches the cached binary in its place.
//
// Every failure path here is a hard exit(1): a stub that cannot prove it is
// about to launch the right binary must not launch anything. The only
// recoverable failures are an unparseable embedded config (falls back to no
// update checks) and an unwritable cache (falls back to a temp directory).
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/socketsecurity/smol/internal/compress"
	"github.com/socketsecurity/smol/internal/dlxcache"
	"github.com/socketsecurity/smol/internal/frame"
	"github.com/socketsecurity/smol/internal/launch"
	"github.com/socketsecurity/smol/internal/smfg"
	"github.com/socketsecurity/smol/internal/updatecheck"
)

func main() {
	plan, err := prepare()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	execAndExit(plan.childPath, plan.argv, plan.envp)
}

// launchPlan is everything prepare needs to hand to the platform-specific
// exec step: the resolved child path, the argv it should see (argv[0] is
// rewritten to childPath by launch.Exec), and its environment.
type launchPlan struct {
	childPath string
	argv      []string
	envp      []string
}

func prepare() (*launchPlan, error) {
	selfPath, _, err := launch.LocateSelf(argv0())
	if err != nil {
		return nil, errors.New(launch.CannotLocateSelfMessage)
	}

	// os.Open already marks the descriptor close-on-exec on every platform
	// Go supports (O_CLOEXEC on POSIX since Go 1.4, a non-inheritable handle
	// on Windows), so no platform-specific open path is needed here.
	self, err := os.Open(selfPath)
	if err != nil {
		return nil, fmt.Errorf("smolstub: open self: %w", err)
	}
	defer self.Close()

	fr, err := frame.DecodeFromSelf(self)
	if err != nil {
		return nil, fmt.Errorf("smolstub: %w", err)
	}
	self.Close()

	base := dlxcache.BaseDir()
	dlxcache.SweepStaleTmp(base, fr.CacheKey)

	childPath, err := materialize(base, selfPath, fr)
	if err != nil {
		return nil, err
	}

	updateRequested := runUpdateCheck(base, fr)

	filtered := launch.FilterUpdateConfigArgs(argvTail())
	argv := append([]string{selfPath}, filtered...)
	envp := buildChildEnv(selfPath, fr.CacheKey, fr.Config, updateRequested)

	return &launchPlan{childPath: childPath, argv: argv, envp: envp}, nil
}

// materialize resolves childPath via a cache hit, or decompresses and
// writes a fresh entry on a miss, falling back to an ephemeral temp
// directory if the cache itself is unwritable.
func materialize(base, selfPath string, fr *frame.Frame) (string, error) {
	if hit, _ := dlxcache.Lookup(base, fr.CacheKey, fr.UncompressedSize); hit != "" {
		return hit, nil
	}

	data, err := decompressFrame(fr)
	if err != nil {
		return "", fmt.Errorf("smolstub: %w", err)
	}
	integrity := dlxcache.IntegrityOf(data)

	src := dlxcache.Source{Type: "self", Path: selfPath}
	if err := dlxcache.Write(base, fr.CacheKey, data, src, integrity); err != nil {
		fmt.Fprintln(os.Stderr, "smolstub: Failed to write to cache:", err)
		fallbackPath, ferr := dlxcache.WriteFallback(fr.CacheKey, data)
		if ferr != nil {
			return "", fmt.Errorf(
				"smolstub: cannot materialize inner runtime; tried %s and a temp fallback: %v",
				dlxcache.BinaryPath(base, fr.CacheKey), ferr,
			)
		}
		return fallbackPath, nil
	}
	return dlxcache.BinaryPath(base, fr.CacheKey), nil
}

// decompressFrame tries the primary algorithm (LZFSE) first since the frame
// carries no explicit algorithm tag, then LZMA; a length mismatch on the
// first attempt is the practical signal that the payload used the other
// algorithm, standing in for the frame-level AlgoMismatch the spec
// describes.
func decompressFrame(fr *frame.Frame) ([]byte, error) {
	out, err := compress.Decompress(fr.Data, compress.LZFSE, fr.UncompressedSize)
	if err == nil {
		return out, nil
	}
	if out2, err2 := compress.Decompress(fr.Data, compress.LZMA, fr.UncompressedSize); err2 == nil {
		return out2, nil
	}
	return nil, err
}

// runUpdateCheck fires the best-effort update-check side-protocol, bounded
// by its own internal timeout, before anything is launched. Its own
// failures never propagate past a bumped last_check timestamp.
func runUpdateCheck(base string, fr *frame.Frame) bool {
	ctx, cancel := context.WithTimeout(context.Background(), updatecheck.Timeout)
	defer cancel()
	return updatecheck.Run(ctx, base, fr.CacheKey, fr.Config, time.Now().UnixMilli(), nil)
}

// buildChildEnv starts from the current process environment and applies
// exactly the writes the launch sequence documents: SMOL_STUB_PATH,
// SMOL_CACHE_KEY, the fake-argv pair if configured, and
// SMOL_UPDATE_REQUESTED if the user accepted an update prompt. Every other
// variable passes through unchanged.
func buildChildEnv(selfPath, cacheKey string, cfg *smfg.Config, updateRequested bool) []string {
	env := os.Environ()
	env = upsertEnv(env, "SMOL_STUB_PATH", selfPath)
	env = upsertEnv(env, "SMOL_CACHE_KEY", cacheKey)

	if cfg != nil && cfg.FakeArgvEnv != "" {
		env = upsertEnv(env, "SMOL_FAKE_ARGV_NAME", cfg.FakeArgvEnv)
		if _, ok := os.LookupEnv(cfg.FakeArgvEnv); !ok {
			env = upsertEnv(env, cfg.FakeArgvEnv, "")
		}
	}

	if updateRequested {
		env = upsertEnv(env, "SMOL_UPDATE_REQUESTED", "1")
	}
	return env
}

func upsertEnv(env []string, key, val string) []string {
	prefix := key + "="
	for i, kv := range env {
		if strings.HasPrefix(kv, prefix) {
			env[i] = prefix + val
			return env
		}
	}
	return append(env, prefix+val)
}

func argv0() string {
	if len(os.Args) == 0 {
		return ""
	}
	return os.Args[0]
}

func argvTail() []string {
	if len(os.Args) <= 1 {
		return nil
	}
	return os.Args[1:]
}
