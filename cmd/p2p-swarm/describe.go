package main

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"tarun-kavipurapu/p2p-swarm/pkg/metainfo"
	"tarun-kavipurapu/p2p-swarm/pkg/protocol"
	"tarun-kavipurapu/p2p-swarm/pkg/storage"
)

var describeOut string

var describeCmd = &cobra.Command{
	Use:   "describe <file|file.swarm>",
	Short: "Write or show a file descriptor",
	Long: `Hash a file into a descriptor and save it as a .swarm file, or print the
descriptor stored in an existing .swarm file. Downloads started with
--descriptor only accept a swarm whose descriptor matches.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := args[0]
		if strings.EqualFold(filepath.Ext(path), metainfo.Extension) {
			desc, err := metainfo.Load(path)
			if err != nil {
				return err
			}
			printDescriptor(desc)
			return nil
		}

		store, err := storage.OpenSeed(path)
		if err != nil {
			return err
		}
		defer store.Close()
		desc := store.Descriptor()

		out := describeOut
		if out == "" {
			out = path + metainfo.Extension
		}
		if err := metainfo.Save(out, desc); err != nil {
			return err
		}
		printDescriptor(desc)
		fmt.Printf("Saved to %s\n", out)
		return nil
	},
}

func printDescriptor(desc protocol.FileDescriptor) {
	fmt.Printf("Name:       %s\n", desc.Name)
	fmt.Printf("Size:       %s (%d bytes)\n", formatSize(desc.Size), desc.Size)
	fmt.Printf("Pieces:     %d x %s\n", desc.PieceCount, formatSize(int64(desc.PieceSize)))
	fmt.Printf("Descriptor: %s\n", desc.Hash())
}

func init() {
	rootCmd.AddCommand(describeCmd)
	describeCmd.Flags().StringVarP(&describeOut, "out", "o", "", "Output path (default <file>.swarm)")
}
