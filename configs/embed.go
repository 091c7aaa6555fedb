// Package configs provides embedded configuration templates.
//
// Templates are embedded at build time with go:embed so they ship with
// every distribution of the binary. `codeatlas init` writes the project
// template to .codeatlas.yaml in the project root; the loader in
// internal/config then layers environment variables on top of it.
package configs

import _ "embed"

// ProjectConfigTemplate is the template for project-level configuration,
// written by `codeatlas init`. It documents every key with its default.
//
//go:embed project-config.example.yaml
var ProjectConfigTemplate string
