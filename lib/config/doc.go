// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides YAML configuration loading for objlink
// clients.
//
// Configuration is loaded from a single file specified by either the
// OBJLINK_CONFIG environment variable (via [Load]) or a --config flag
// (via [LoadFile]). There is no discovery and no environment variable
// overrides individual values.
//
// The file may carry development and production sections that
// override base values when [Config].Environment matches. Production
// defaults are stricter: the client never spawns a coordinator on its
// own.
//
// Path fields support ${HOME}, ${OBJLINK_ROOT}, and ${VAR:-default}
// expansion after loading.
//
// The state directory named by paths.state is never created here; the
// coordinator owns it.
package config
