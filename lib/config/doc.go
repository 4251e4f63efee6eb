// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides YAML configuration loading for DataBus
// clients and the mock kernel.
//
// Configuration is loaded from a single file specified by either the
// DATABUS_CONFIG environment variable (via [Load]) or a --config flag
// (via [LoadFile]). There are no fallbacks and no automatic file
// search. Files named *.json or *.jsonc are accepted as JSON with
// comments.
//
// The configuration file supports environment-specific sections
// (development, staging, production) that override base values when
// [Config].Environment matches. Production defaults are stricter: JSON
// logs and more dial attempts. Outside production the log format is
// auto: text on a terminal, JSON when stderr is redirected.
//
// Variable expansion is performed on the memory directory after
// loading: ${HOME} and ${VAR:-default} patterns are expanded.
//
// Key exports:
//
//   - [Config] -- master struct with Kernel, Client, Memory, Logging
//   - [Default] -- returns a Config with development defaults
//   - [Load] and [LoadFile] -- the two entry points for loading
//
// This package depends on no other DataBus packages.
package config
