// Package commands defines the cloak CLI and wires dependencies for
// subcommands.
//
// Commands
//
//   - init          Create the local identity
//   - fingerprint   Print the identity fingerprint
//   - keypackages   Mint and export key packages
//   - create        Create a conversation
//   - add           Commit new members from key package files
//   - remove        Commit member removals
//   - rotate        Commit fresh keying material for this client
//   - commit        Commit whatever proposals are pending
//   - accept        Confirm the pending commit
//   - abort         Discard the pending commit
//   - proposal      Create or ingest proposals
//   - apply         Apply a remote commit
//   - welcome       Join a conversation from a welcome file
//   - export        Export the public group state
//   - join          Join a conversation by external commit
//   - merge         Finalize an external join
//   - encrypt       Encrypt a message
//   - decrypt       Decrypt a payload file
//   - members       List conversation members
//   - wipe          Destroy all local state
//
// # Implementation
//
// The root command builds the dependency graph (encrypted store, RNG,
// services, engine) before any subcommand runs, so handlers share one app
// context. Wire artifacts (key packages, commits, welcomes, payloads) move
// between clients as base64 files; transport is out of scope.
package commands
