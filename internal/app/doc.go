// Package app wires application dependencies for the CLI.
//
// It builds the encrypted file store, the process RNG, the identity and key
// package services, and the conversation engine from Config, exposing them
// via the Wire struct for commands to use.
package app
