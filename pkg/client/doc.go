// Package client is a small HTTP client for a gateway node's query
// endpoints, used by the relay CLI.
package client
