// Package config loads gateway configuration from the environment, with an
// optional .env file for development. Every setting has an env tag; the relay
// binary's flags override the loaded values.
package config
