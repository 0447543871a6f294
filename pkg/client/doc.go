// Package client is a thin HTTP client over the node API, used by the
// CLI commands.
package client
