package app

import "github.com/decred/slog"

// Config holds runtime wiring options for building the app.
type Config struct {
	Home       string // state directory, e.g. $HOME/.cloak
	StorageKey string // passphrase protecting the key store at rest
	ClientID   string // stable client identifier, e.g. alice@example.org

	// EntropySeed is optional caller entropy mixed into the process RNG.
	EntropySeed []byte

	Log slog.Logger // optional; defaults to slog.Disabled
}
