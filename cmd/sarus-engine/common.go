package main

import (
	"os"
	"os/user"

	"github.com/hpc-forge/sarus-engine/internal/engineconfig"
	"github.com/hpc-forge/sarus-engine/internal/repository"
)

// cmdOut is where subcommands print user-facing, non-log output (image
// lists, pulled-image summaries); kept distinct from sylog, which always
// writes to stderr.
var cmdOut = os.Stdout

// currentUserRepository returns the invoking user's per-user local
// repository, rooted at <localRepositoryBaseDir>/<username>/.sarus.
func currentUserRepository(cfg *engineconfig.Config) *repository.Repository {
	u, err := user.Current()
	username := "unknown"
	if err == nil {
		username = u.Username
	}
	return repository.NewLocal(cfg.LocalRepositoryBaseDir, username, ".sarus")
}

// centralizedRepository returns the site-wide repository, or nil if the
// engine configuration does not define one.
func centralizedRepository(cfg *engineconfig.Config) *repository.Repository {
	if cfg.CentralizedRepositoryDir == "" {
		return nil
	}
	return repository.NewCentralized(cfg.CentralizedRepositoryDir)
}
