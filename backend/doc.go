// Package backend
// Author: momentics <momentics@gmail.com>
//
// Outbound side of the proxy: resolution of target hosts, non-blocking
// connects on the reactor and a keyed pool of idle keep-alive connections.
//
// A pooled connection is owned by exactly one party at a time. While idle it
// belongs to its watcher; Get takes it over by removing the watcher, and a
// watcher that sees data, EOF or its deadline evicts it instead.
package backend
