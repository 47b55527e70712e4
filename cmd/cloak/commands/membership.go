package commands

import (
	"fmt"
	"path/filepath"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"cloak/internal/domain"
)

// writeBundle stores the artifacts of a commit for out-of-band delivery.
func writeBundle(outDir string, bundle *domain.CommitBundle) error {
	if err := writeArtifact(filepath.Join(outDir, "commit.b64"), bundle.Commit); err != nil {
		return err
	}
	fmt.Println(filepath.Join(outDir, "commit.b64"))
	if len(bundle.Welcome) > 0 {
		if err := writeArtifact(filepath.Join(outDir, "welcome.b64"), bundle.Welcome); err != nil {
			return err
		}
		fmt.Println(filepath.Join(outDir, "welcome.b64"))
	}
	if err := writeArtifact(filepath.Join(outDir, "groupinfo.b64"), bundle.GroupInfo); err != nil {
		return err
	}
	fmt.Println(filepath.Join(outDir, "groupinfo.b64"))
	return nil
}

// add <conversation> <keypackage-file>...: commit new members.
func addCmd() *cobra.Command {
	var outDir string
	cmd := &cobra.Command{
		Use:   "add <conversation> <keypackage-file>...",
		Short: "Commit new members from key package files",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := convID(args[0])
			if err != nil {
				return err
			}
			kps := make([][]byte, 0, len(args)-1)
			for _, path := range args[1:] {
				kp, err := readArtifact(path)
				if err != nil {
					return err
				}
				kps = append(kps, kp)
			}
			bundle, err := appCtx.Engine.AddClients(id, kps)
			if err != nil {
				return err
			}
			if err := writeBundle(outDir, bundle); err != nil {
				return err
			}
			color.Yellow("commit pending: deliver it, then run `cloak accept %s`", args[0])
			return nil
		},
	}
	cmd.Flags().StringVar(&outDir, "out", ".", "output directory")
	return cmd
}

// remove <conversation> <client-id>...: commit member removals.
func removeCmd() *cobra.Command {
	var outDir string
	cmd := &cobra.Command{
		Use:   "remove <conversation> <client-id>...",
		Short: "Commit member removals",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := convID(args[0])
			if err != nil {
				return err
			}
			refs := make([][]byte, 0, len(args)-1)
			for _, ref := range args[1:] {
				refs = append(refs, []byte(ref))
			}
			bundle, err := appCtx.Engine.RemoveClients(id, refs)
			if err != nil {
				return err
			}
			if err := writeBundle(outDir, bundle); err != nil {
				return err
			}
			color.Yellow("commit pending: deliver it, then run `cloak accept %s`", args[0])
			return nil
		},
	}
	cmd.Flags().StringVar(&outDir, "out", ".", "output directory")
	return cmd
}

// rotate <conversation>: commit fresh keying material for this client.
func rotateCmd() *cobra.Command {
	var outDir string
	cmd := &cobra.Command{
		Use:   "rotate <conversation>",
		Short: "Commit fresh keying material for this client",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := convID(args[0])
			if err != nil {
				return err
			}
			bundle, err := appCtx.Engine.UpdateKeyingMaterial(id)
			if err != nil {
				return err
			}
			return writeBundle(outDir, bundle)
		},
	}
	cmd.Flags().StringVar(&outDir, "out", ".", "output directory")
	return cmd
}

// commit <conversation>: commit pending proposals.
func commitCmd() *cobra.Command {
	var outDir string
	cmd := &cobra.Command{
		Use:   "commit <conversation>",
		Short: "Commit whatever proposals are pending",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := convID(args[0])
			if err != nil {
				return err
			}
			bundle, err := appCtx.Engine.CommitPendingProposals(id)
			if err != nil {
				return err
			}
			if bundle == nil {
				fmt.Println("nothing pending")
				return nil
			}
			return writeBundle(outDir, bundle)
		},
	}
	cmd.Flags().StringVar(&outDir, "out", ".", "output directory")
	return cmd
}

func acceptCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "accept <conversation>",
		Short: "Confirm the pending commit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := convID(args[0])
			if err != nil {
				return err
			}
			if err := appCtx.Engine.CommitAccepted(id); err != nil {
				return err
			}
			epoch, err := appCtx.Engine.ConversationEpoch(id)
			if err != nil {
				return err
			}
			color.Green("epoch %d confirmed", epoch)
			return nil
		},
	}
}

func abortCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "abort <conversation>",
		Short: "Discard the pending commit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := convID(args[0])
			if err != nil {
				return err
			}
			return appCtx.Engine.ClearPendingCommit(id)
		},
	}
}
