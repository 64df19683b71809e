package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/hpc-forge/sarus-engine/internal/engineconfig"
	"github.com/hpc-forge/sarus-engine/internal/orchestrator"
	"github.com/hpc-forge/sarus-engine/internal/puller"
	"github.com/hpc-forge/sarus-engine/internal/squashfs"
	"github.com/hpc-forge/sarus-engine/internal/unpacker"
	"github.com/hpc-forge/sarus-engine/pkg/imageref"
)

func newPullCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pull <image>",
		Short: "pull an image from a remote registry into the local repository",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runIngest(args[0], orchestrator.IngestSource{Pull: true})
		},
	}
	return cmd
}

func newLoadCmd() *cobra.Command {
	var archive string
	cmd := &cobra.Command{
		Use:   "load <image>",
		Short: "load an image from a local docker-archive tarball",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runIngest(args[0], orchestrator.IngestSource{Pull: false, ArchivePath: archive})
		},
	}
	cmd.Flags().StringVar(&archive, "archive", "", "path to the docker-archive tarball")
	cmd.MarkFlagRequired("archive")
	return cmd
}

func runIngest(rawRef string, source orchestrator.IngestSource) error {
	cfg, err := engineconfig.Load(configPath)
	if err != nil {
		return err
	}
	if err := cfg.CheckToolsUntamperable(); err != nil {
		return err
	}

	ref, err := imageref.Parse(rawRef)
	if err != nil {
		return err
	}

	repo := currentUserRepository(cfg)

	var unpack *unpacker.Unpacker
	if cfg.UmociPath != "" {
		unpack, err = unpacker.New(cfg.UmociPath)
		if err != nil {
			return err
		}
	}

	ig := &orchestrator.Ingester{
		Repo:        repo,
		Puller:      puller.New(cfg.SkopeoPath, verbosityFlag()),
		Unpacker:    unpack,
		Squash:      squashfs.New(cfg.MksquashfsPath, cfg.MksquashfsOptions),
		LockTimeout: 30 * time.Second,
	}

	stored, err := ig.Ingest(context.Background(), ref, source)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmdOut, "%s (%s)\n", stored.Reference.String(), stored.SizeString())
	return nil
}

func verbosityFlag() string {
	switch {
	case debug:
		return "--debug"
	case verbose:
		return "--verbose"
	default:
		return ""
	}
}
