// Package updatecheck implements the stub's out-of-band update-check
// side-protocol: at most one network request and one notification per run,
// both gated by independent intervals read from the embedded SMFG config.
package updatecheck

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"golang.org/x/term"

	"github.com/socketsecurity/smol/internal/dlxcache"
	"github.com/socketsecurity/smol/internal/smfg"
)

// Timeout is the compiled-in upper bound for the whole update check:
// connect plus read, combined.
const Timeout = 2 * time.Second

// Release is one entry of the releases list served at config.URL. The wire
// format isn't otherwise constrained by the embedding tool, so this is the
// shape smol's own server-side tooling is expected to emit: a JSON array of
// objects, each carrying its tag string in a "tag" field.
type Release struct {
	Tag string `json:"tag"`
}

// ShouldSkip reports whether the update check must not run at all, per the
// independent disable conditions (config disabled, CI environment, stderr
// not a TTY, or a named skip_env variable set to a truthy value).
func ShouldSkip(cfg *smfg.Config, environ func(string) string) bool {
	if cfg == nil || !cfg.Enabled {
		return true
	}
	if environ("CI") != "" || environ("CONTINUOUS_INTEGRATION") != "" {
		return true
	}
	if !term.IsTerminal(int(os.Stderr.Fd())) {
		return true
	}
	return skipEnvSet(cfg.SkipEnv, environ)
}

// skipEnvSet reports whether the named skip_env variable holds a truthy
// value: anything other than "", "0" or "false" (case-insensitive).
func skipEnvSet(name string, environ func(string) string) bool {
	if name == "" {
		return false
	}
	v := strings.ToLower(strings.TrimSpace(environ(name)))
	return v != "" && v != "0" && v != "false"
}

// Run executes the full decision sequence: skip check, interval-gated
// network check, interval-gated notification, and the always-applied
// metadata timestamp update. It never returns an error: every failure mode
// is absorbed per the spec's best-effort policy, with only last_check
// advancing on failure. Run returns whether the user accepted an update
// prompt; cmd/smolstub then sets SMOL_UPDATE_REQUESTED=1 in the child's
// environment.
func Run(ctx context.Context, baseDir, key string, cfg *smfg.Config, nowMs int64, client *http.Client) (updateRequested bool) {
	if ShouldSkip(cfg, os.Getenv) {
		return false
	}

	meta, err := dlxcache.ReadUpdateCheckState(baseDir, key)
	if err != nil {
		meta = dlxcache.UpdateCheckState{}
	}

	latestKnown := meta.LatestKnown
	didCheck := false
	if nowMs-meta.LastCheck >= cfg.IntervalMs {
		didCheck = true
		if tag, ok := fetchLatest(ctx, client, cfg.URL, cfg.Tag); ok {
			latestKnown = tag
		}
	}

	notified := false
	if newer(latestKnown, cfg.NodeVersion) && nowMs-meta.LastNotification >= cfg.NotifyIntervalMs {
		updateRequested = notify(cfg, latestKnown)
		notified = true
	}

	_ = dlxcache.UpdateMetadataTimestamps(baseDir, key, nowMs, didCheck, notified, latestKnown)
	return updateRequested
}

// fetchLatest performs the best-effort GET and glob/semver selection. A
// false second return means the network/parse step failed; the caller
// leaves latest_known unchanged but still advances last_check.
func fetchLatest(ctx context.Context, client *http.Client, url, tagGlob string) (string, bool) {
	if client == nil {
		client = http.DefaultClient
	}
	ctx, cancel := context.WithTimeout(ctx, Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", false
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", false
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", false
	}
	var releases []Release
	if err := json.Unmarshal(body, &releases); err != nil {
		return "", false
	}

	var best *semver.Version
	var bestTag string
	for _, r := range releases {
		if tagGlob != "" {
			if ok, err := path.Match(tagGlob, r.Tag); err != nil || !ok {
				continue
			}
		}
		v, err := semver.NewVersion(r.Tag)
		if err != nil || v.Prerelease() != "" {
			continue
		}
		if best == nil || v.GreaterThan(best) {
			best = v
			bestTag = r.Tag
		}
	}
	if best == nil {
		return "", false
	}
	return bestTag, true
}

// newer reports whether candidate is a valid, strictly greater SemVer than
// current. An empty or malformed candidate is never newer; a malformed
// current version makes any valid candidate count as newer. Neither case is
// an error: the notification is purely advisory.
func newer(candidate, current string) bool {
	if candidate == "" {
		return false
	}
	c, err := semver.NewVersion(candidate)
	if err != nil {
		return false
	}
	cur, err := semver.NewVersion(current)
	if err != nil {
		return true
	}
	return c.GreaterThan(cur)
}

// notify prints the update notification to stderr and, if the config
// requests a prompt, reads a y/n answer from stdin.
func notify(cfg *smfg.Config, latest string) bool {
	fmt.Fprintf(os.Stderr, "%s: update available %s -> %s (%s)\n", cfg.BinName, cfg.NodeVersion, latest, cfg.Command)

	if !cfg.Prompt {
		return false
	}
	fmt.Fprintf(os.Stderr, "Update now? [%s] ", promptHint(cfg.PromptDefault))

	var line string
	fmt.Fscanln(os.Stdin, &line)
	return answerYes(line, cfg.PromptDefault)
}

func promptHint(def smfg.PromptDefault) string {
	if def == smfg.PromptDefaultYes {
		return "Y/n"
	}
	return "y/N"
}

func answerYes(answer string, def smfg.PromptDefault) bool {
	answer = strings.ToLower(strings.TrimSpace(answer))
	switch answer {
	case "y", "yes":
		return true
	case "n", "no":
		return false
	default:
		return def == smfg.PromptDefaultYes
	}
}
