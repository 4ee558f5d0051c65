package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"

	"github.com/socketsecurity/smol/internal/smfg"
)

// specDoc is the on-disk JSON shape accepted by --spec. Field names mirror
// smfg.Config's wire semantics, not its Go field names, since this is a
// stable external authoring format independent of the internal struct.
type specDoc struct {
	Prompt           bool   `json:"prompt"`
	PromptDefault    string `json:"prompt_default"`
	IntervalMs       int64  `json:"interval_ms"`
	NotifyIntervalMs int64  `json:"notify_interval_ms"`
	BinName          string `json:"bin_name"`
	Command          string `json:"command"`
	URL              string `json:"url"`
	Tag              string `json:"tag"`
	SkipEnv          string `json:"skip_env"`
	FakeArgvEnv      string `json:"fake_argv_env"`
	NodeVersion      string `json:"node_version"`
}

// loadSpecConfig reads and validates a --spec document, returning the
// smfg.Config that the frame encoder will pack into the output.
func loadSpecConfig(path string) (*smfg.Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var doc specDoc
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("spec: %w", err)
	}

	promptDefault := smfg.PromptDefaultNo
	switch doc.PromptDefault {
	case "", "n":
		promptDefault = smfg.PromptDefaultNo
	case "y":
		promptDefault = smfg.PromptDefaultYes
	default:
		return nil, fmt.Errorf("spec: prompt_default must be \"y\" or \"n\", got %q", doc.PromptDefault)
	}

	cfg := &smfg.Config{
		Prompt:           doc.Prompt,
		PromptDefault:    promptDefault,
		IntervalMs:       doc.IntervalMs,
		NotifyIntervalMs: doc.NotifyIntervalMs,
		BinName:          doc.BinName,
		Command:          doc.Command,
		URL:              doc.URL,
		Tag:              doc.Tag,
		SkipEnv:          doc.SkipEnv,
		FakeArgvEnv:      doc.FakeArgvEnv,
		NodeVersion:      doc.NodeVersion,
	}
	// Pack here purely to surface validation errors early, with the path in
	// context; the real Pack() happens again inside frame.Encode.
	if _, err := cfg.Pack(); err != nil {
		return nil, fmt.Errorf("spec %s: %w", path, err)
	}
	return cfg, nil
}
