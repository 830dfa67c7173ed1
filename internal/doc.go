// Package internal contains shared types and utilities for gitgate.
//
// It provides configuration parsing, logger construction, session identifiers,
// and cleanup orchestration used by the git and docker packages.
package internal
