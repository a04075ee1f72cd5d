// Package config holds the runtime configuration for the language
// intelligence engine: language identification, per-language timing
// profiles, operation classes, and the timeout formula derived from them.
//
// Configuration is loaded once (TOML file plus SYMORA_ environment
// overrides) into a Runtime value that is passed by reference to every
// component needing timeout or retry parameters. There is no global
// mutable configuration state.
package config
