package commands

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

// proposal: create proposals for someone else to commit, or ingest a
// received one.
func proposalCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "proposal",
		Short: "Create or ingest proposals",
	}

	var outFile string
	update := &cobra.Command{
		Use:   "update <conversation>",
		Short: "Propose rotating this client's leaf key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := convID(args[0])
			if err != nil {
				return err
			}
			raw, err := appCtx.Engine.NewUpdateProposal(id)
			if err != nil {
				return err
			}
			if err := writeArtifact(outFile, raw); err != nil {
				return err
			}
			fmt.Println(outFile)
			return nil
		},
	}
	update.Flags().StringVar(&outFile, "out", "proposal.b64", "output file")

	ingest := &cobra.Command{
		Use:   "ingest <proposal-file>",
		Short: "Queue a received proposal for the next commit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := readArtifact(args[0])
			if err != nil {
				return err
			}
			return appCtx.Engine.ProcessProposal(raw)
		},
	}

	root.AddCommand(update, ingest)
	return root
}

// apply <commit-file>: advance local state over a remote commit.
func applyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "apply <commit-file>",
		Short: "Apply a remote commit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := readArtifact(args[0])
			if err != nil {
				return err
			}
			return appCtx.Engine.ProcessCommit(raw)
		},
	}
}

// welcome <welcome-file>: join a conversation this client was added to.
func welcomeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "welcome <welcome-file>",
		Short: "Join a conversation from a welcome file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := readArtifact(args[0])
			if err != nil {
				return err
			}
			id, err := appCtx.Engine.ProcessWelcome(raw)
			if err != nil {
				return err
			}
			epoch, err := appCtx.Engine.ConversationEpoch(id)
			if err != nil {
				return err
			}
			color.Green("joined %s at epoch %d", id, epoch)
			return nil
		},
	}
}

// export <conversation>: write the public group state for external joins.
func exportCmd() *cobra.Command {
	var outFile string
	cmd := &cobra.Command{
		Use:   "export <conversation>",
		Short: "Export the public group state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := convID(args[0])
			if err != nil {
				return err
			}
			raw, err := appCtx.Engine.ExportGroupState(id)
			if err != nil {
				return err
			}
			if err := writeArtifact(outFile, raw); err != nil {
				return err
			}
			fmt.Println(outFile)
			return nil
		},
	}
	cmd.Flags().StringVar(&outFile, "out", "groupstate.b64", "output file")
	return cmd
}

// join <groupstate-file>: join by external commit.
func joinCmd() *cobra.Command {
	var outFile string
	cmd := &cobra.Command{
		Use:   "join <groupstate-file>",
		Short: "Join a conversation by external commit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := readArtifact(args[0])
			if err != nil {
				return err
			}
			join, err := appCtx.Engine.JoinByExternalCommit(raw)
			if err != nil {
				return err
			}
			if err := writeArtifact(outFile, join.Commit); err != nil {
				return err
			}
			fmt.Println(outFile)
			color.Yellow("deliver the commit, then run `cloak merge %s`", join.ConversationID)
			return nil
		},
	}
	cmd.Flags().StringVar(&outFile, "out", "external-commit.b64", "output file")
	return cmd
}

// merge <conversation>: finalize an external join.
func mergeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "merge <conversation>",
		Short: "Finalize an external join",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := convID(args[0])
			if err != nil {
				return err
			}
			if err := appCtx.Engine.MergePendingGroupFromExternalCommit(id); err != nil {
				return err
			}
			epoch, err := appCtx.Engine.ConversationEpoch(id)
			if err != nil {
				return err
			}
			color.Green("joined %s at epoch %d", args[0], epoch)
			return nil
		},
	}
}
