// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package policy

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// rawPolicy mirrors Policy with durations as strings, so config files
// can write "15m" or "900s".
type rawPolicy struct {
	BaseRuntime        string `yaml:"base_runtime"`
	ExtensionIncrement string `yaml:"extension_increment"`
	MaxExtensions      int    `yaml:"max_extensions"`
	MaxLifetime        string `yaml:"max_lifetime"`
}

// UnmarshalYAML decodes durations in Go syntax ("15m", "900s").
func (p *Policy) UnmarshalYAML(value *yaml.Node) error {
	var raw rawPolicy
	if err := value.Decode(&raw); err != nil {
		return err
	}

	parse := func(field, text string) (time.Duration, error) {
		if text == "" {
			return 0, fmt.Errorf("policy: %s is required", field)
		}
		d, err := time.ParseDuration(text)
		if err != nil {
			return 0, fmt.Errorf("policy: %s: %w", field, err)
		}
		return d, nil
	}

	var err error
	if p.BaseRuntime, err = parse("base_runtime", raw.BaseRuntime); err != nil {
		return err
	}
	if p.ExtensionIncrement, err = parse("extension_increment", raw.ExtensionIncrement); err != nil {
		return err
	}
	if p.MaxLifetime, err = parse("max_lifetime", raw.MaxLifetime); err != nil {
		return err
	}
	p.MaxExtensions = raw.MaxExtensions
	return nil
}

// MarshalYAML emits the same string-duration form UnmarshalYAML reads.
func (p Policy) MarshalYAML() (any, error) {
	return rawPolicy{
		BaseRuntime:        p.BaseRuntime.String(),
		ExtensionIncrement: p.ExtensionIncrement.String(),
		MaxExtensions:      p.MaxExtensions,
		MaxLifetime:        p.MaxLifetime.String(),
	}, nil
}
