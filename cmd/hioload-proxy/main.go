// hioload-proxy is a forward HTTP/1.x proxy built on an epoll reactor.
//
// Usage:
//
//	# Start with the defaults (0.0.0.0:8080)
//	hioload-proxy run
//
//	# Start with a configuration file, reloaded on change
//	hioload-proxy run --config /etc/hioload/proxy.yaml
//
//	# Validate a configuration and print the effective values
//	hioload-proxy check --config /etc/hioload/proxy.yaml
package main

func main() {
	Execute()
}
