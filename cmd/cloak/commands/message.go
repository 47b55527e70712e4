package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

// encrypt <conversation> <message>: seal a message under the current epoch.
func encryptCmd() *cobra.Command {
	var outFile string
	cmd := &cobra.Command{
		Use:   "encrypt <conversation> <message>",
		Short: "Encrypt a message",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := convID(args[0])
			if err != nil {
				return err
			}
			payload, err := appCtx.Engine.EncryptMessage(id, []byte(args[1]))
			if err != nil {
				return err
			}
			if err := writeArtifact(outFile, payload); err != nil {
				return err
			}
			fmt.Println(outFile)
			return nil
		},
	}
	cmd.Flags().StringVar(&outFile, "out", "message.b64", "output file")
	return cmd
}

// decrypt <conversation> <payload-file>: open a received payload.
func decryptCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "decrypt <conversation> <payload-file>",
		Short: "Decrypt a payload file",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := convID(args[0])
			if err != nil {
				return err
			}
			raw, err := readArtifact(args[1])
			if err != nil {
				return err
			}
			plaintext, err := appCtx.Engine.DecryptMessage(id, raw)
			if err != nil {
				return err
			}
			fmt.Printf("%s\n", plaintext)
			return nil
		},
	}
}
