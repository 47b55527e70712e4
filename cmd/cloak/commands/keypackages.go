package commands

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"
)

// keypackages [-n count] [--out dir]: mint key packages and write them as
// files other clients can feed to `cloak add`.
func keypackagesCmd() *cobra.Command {
	var (
		count  int
		outDir string
	)
	cmd := &cobra.Command{
		Use:   "keypackages",
		Short: "Mint and export key packages",
		RunE: func(cmd *cobra.Command, args []string) error {
			kps, err := appCtx.Engine.ClientKeyPackages(count)
			if err != nil {
				return err
			}
			for i, kp := range kps {
				path := filepath.Join(outDir, fmt.Sprintf("keypackage-%d.b64", i))
				if err := writeArtifact(path, kp); err != nil {
					return err
				}
				fmt.Println(path)
			}
			n, err := appCtx.Engine.ClientValidKeyPackagesCount()
			if err != nil {
				return err
			}
			fmt.Printf("%d valid key packages on hand\n", n)
			return nil
		},
	}
	cmd.Flags().IntVarP(&count, "count", "n", 1, "number of key packages")
	cmd.Flags().StringVar(&outDir, "out", ".", "output directory")
	return cmd
}
