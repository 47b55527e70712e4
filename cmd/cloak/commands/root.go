package commands

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"cloak/internal/app"
)

var (
	home       string
	passphrase string
	clientID   string

	appCtx *app.Wire
)

func Execute() error {
	root := &cobra.Command{
		Use:   "cloak",
		Short: "End-to-end encrypted group messaging CLI",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if home == "" {
				dir, err := os.UserHomeDir()
				if err != nil {
					return err
				}
				home = filepath.Join(dir, ".cloak")
			}
			if err := os.MkdirAll(home, 0o700); err != nil {
				return err
			}
			if passphrase == "" {
				return fmt.Errorf("passphrase required (-p)")
			}
			w, err := app.NewWire(app.Config{
				Home:       home,
				StorageKey: passphrase,
				ClientID:   clientID,
			})
			if err != nil {
				return err
			}
			appCtx = w
			return nil
		},
	}

	root.PersistentFlags().StringVar(&home, "home", "", "state dir (default ~/.cloak)")
	root.PersistentFlags().StringVarP(&passphrase, "passphrase", "p", "", "passphrase protecting local state")
	root.PersistentFlags().StringVar(&clientID, "client", "", "client id (required by init)")

	root.AddCommand(
		initCmd(), fingerprintCmd(), keypackagesCmd(),
		createCmd(), addCmd(), removeCmd(), rotateCmd(),
		commitCmd(), acceptCmd(), abortCmd(),
		proposalCmd(), applyCmd(), welcomeCmd(),
		exportCmd(), joinCmd(), mergeCmd(),
		encryptCmd(), decryptCmd(), membersCmd(), wipeCmd(),
	)
	return root.Execute()
}

// convID parses the conversation id argument: a UTF-8 name, or hex with an
// 0x prefix.
func convID(arg string) ([]byte, error) {
	if strings.HasPrefix(arg, "0x") {
		return hex.DecodeString(arg[2:])
	}
	if arg == "" {
		return nil, fmt.Errorf("empty conversation id")
	}
	return []byte(arg), nil
}

// readArtifact loads a base64 wire artifact from a file.
func readArtifact(path string) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return base64.StdEncoding.DecodeString(strings.TrimSpace(string(raw)))
}

// writeArtifact stores a wire artifact as base64.
func writeArtifact(path string, data []byte) error {
	enc := base64.StdEncoding.EncodeToString(data) + "\n"
	return os.WriteFile(path, []byte(enc), 0o600)
}
