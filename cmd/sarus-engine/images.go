package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/hpc-forge/sarus-engine/internal/engineconfig"
	"github.com/hpc-forge/sarus-engine/pkg/imageref"
)

func newImagesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "images",
		Short: "list images in the local repository",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := engineconfig.Load(configPath)
			if err != nil {
				return err
			}
			repo := currentUserRepository(cfg)
			images, err := repo.List(10 * time.Second)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmdOut, "%-40s %-15s %-20s\n", "IMAGE", "SIZE", "CREATED")
			for _, img := range images {
				fmt.Fprintf(cmdOut, "%-40s %-15s %-20s\n", img.Reference.String(), img.SizeString(), img.Created.Format(time.RFC3339))
			}
			return nil
		},
	}
}

func newRmiCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rmi <image>",
		Short: "remove an image from the local repository",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := engineconfig.Load(configPath)
			if err != nil {
				return err
			}
			ref, err := imageref.Parse(args[0])
			if err != nil {
				return err
			}
			repo := currentUserRepository(cfg)
			return repo.Remove(10*time.Second, ref)
		},
	}
}
