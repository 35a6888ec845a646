// Package control
// Author: momentics <momentics@gmail.com>
//
// Configuration, hot reload, metrics registry and debug introspection for
// the proxy process.
//
// The package provides:
//   - YAML configuration with defaults, HIOLOAD_* environment overrides and
//     validation
//   - ConfigStore with atomic snapshot reads and reload listeners
//   - a debounced fsnotify watcher feeding the store
//   - the Prometheus registry and the monitoring HTTP endpoint
//   - debug hooks rendered as JSON under /debug/state
package control
