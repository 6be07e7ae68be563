// Copyright 2026 The Steward Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides configuration loading for the Steward daemon.
//
// Configuration is loaded from a single YAML file specified by:
//   - STEWARD_CONFIG environment variable, or
//   - --config flag passed to the command
//
// There are no fallbacks or automatic discovery. This ensures
// deterministic, auditable configuration with no hidden overrides.
// Secrets (the Matrix access token, directory credentials) are never
// placed in the config file itself — the file names paths to secret
// files, which are read into locked memory at startup.
package config
