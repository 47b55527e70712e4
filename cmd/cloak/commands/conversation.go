package commands

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"cloak/internal/crypto"
	"cloak/internal/domain"
)

func createCmd() *cobra.Command {
	var retain int
	cmd := &cobra.Command{
		Use:   "create <conversation>",
		Short: "Create a conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := convID(args[0])
			if err != nil {
				return err
			}
			cfg := domain.ConversationConfig{MaxPastEpochs: retain}
			if err := appCtx.Engine.CreateConversation(id, cfg); err != nil {
				return err
			}
			color.Green("created %s at epoch 0", args[0])
			return nil
		},
	}
	cmd.Flags().IntVar(&retain, "retain-epochs", 0, "prior epochs kept decryptable")
	return cmd
}

func membersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "members <conversation>",
		Short: "List conversation members",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := convID(args[0])
			if err != nil {
				return err
			}
			epoch, err := appCtx.Engine.ConversationEpoch(id)
			if err != nil {
				return err
			}
			members, err := appCtx.Engine.ConversationMembers(id)
			if err != nil {
				return err
			}
			fmt.Printf("epoch %d, %d members\n", epoch, len(members))
			for _, m := range members {
				fmt.Printf("  %s  %s\n", m.ClientID, crypto.Fingerprint(m.SignKey.Slice()))
			}
			return nil
		},
	}
}

func wipeCmd() *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "wipe",
		Short: "Destroy all local state",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return fmt.Errorf("refusing without --yes")
			}
			if err := appCtx.Engine.Wipe(); err != nil {
				return err
			}
			color.Red("all local state destroyed")
			return nil
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "confirm destruction")
	return cmd
}
