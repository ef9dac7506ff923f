package backend

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/transport"
	"github.com/go-git/go-git/v5/plumbing/transport/http"
	"github.com/go-git/go-git/v5/plumbing/transport/ssh"

	"stackup/internal/constants"
	"stackup/internal/descriptor"
	"stackup/internal/logger"
)

// GitSync clones or updates a repository checkout for git install actions
type GitSync struct {
	auth func(url string) transport.AuthMethod
}

// NewGitSync creates a GitSync that authenticates from the environment
func NewGitSync() *GitSync {
	return &GitSync{auth: authForURL}
}

// Sync makes Dest a checkout of URL at Ref. An existing clone is fetched and
// re-checked-out; local modifications are discarded.
func (g *GitSync) Sync(ctx context.Context, action *descriptor.GitAction) error {
	absPath, err := filepath.Abs(action.Dest)
	if err != nil {
		return fmt.Errorf("failed to get absolute path: %w", err)
	}
	auth := g.auth(action.URL)
	log := logger.WithFields(logger.Fields{"url": action.URL, "dest": absPath, "ref": action.Ref})

	repo, err := git.PlainOpen(absPath)
	switch {
	case err == git.ErrRepositoryNotExists:
		if err := os.MkdirAll(filepath.Dir(absPath), constants.DirPermissions); err != nil {
			return fmt.Errorf("failed to create parent directory: %w", err)
		}
		log.Info("Cloning repository")
		repo, err = git.PlainCloneContext(ctx, absPath, false, &git.CloneOptions{
			URL:  action.URL,
			Auth: auth,
		})
		if err != nil {
			os.RemoveAll(absPath)
			if ctx.Err() != nil {
				return fmt.Errorf("clone cancelled: %w", ctx.Err())
			}
			return fmt.Errorf("failed to clone repository from %s: %w", action.URL, err)
		}
	case err != nil:
		return fmt.Errorf("failed to open repository at %s: %w", absPath, err)
	default:
		log.Debug("Fetching repository")
		err = repo.FetchContext(ctx, &git.FetchOptions{
			RemoteName: "origin",
			Auth:       auth,
			Tags:       git.AllTags,
			Force:      true,
		})
		if err != nil && err != git.NoErrAlreadyUpToDate {
			return fmt.Errorf("failed to fetch %s: %w", action.URL, err)
		}
	}

	if action.Ref == "" {
		return nil
	}
	return checkoutRef(repo, action.Ref)
}

// checkoutRef resolves ref as a remote branch, tag or commit and checks it out
func checkoutRef(repo *git.Repository, ref string) error {
	candidates := []plumbing.Revision{
		plumbing.Revision(plumbing.NewRemoteReferenceName("origin", ref)),
		plumbing.Revision(plumbing.NewTagReferenceName(ref)),
		plumbing.Revision(ref),
	}

	var lastErr error
	for _, rev := range candidates {
		hash, err := repo.ResolveRevision(rev)
		if err != nil {
			lastErr = err
			continue
		}
		worktree, err := repo.Worktree()
		if err != nil {
			return fmt.Errorf("failed to get worktree: %w", err)
		}
		if err := worktree.Checkout(&git.CheckoutOptions{Hash: *hash, Force: true}); err != nil {
			return fmt.Errorf("failed to checkout %s: %w", ref, err)
		}
		return nil
	}
	return fmt.Errorf("cannot resolve ref %s: %w", ref, lastErr)
}

// authForURL picks credentials from the environment matching the URL's transport
func authForURL(url string) transport.AuthMethod {
	if strings.HasPrefix(url, "git@") || strings.HasPrefix(url, "ssh://") {
		if sshKey := os.Getenv("SSH_KEY_PATH"); sshKey != "" {
			if auth, err := ssh.NewPublicKeysFromFile("git", sshKey, ""); err == nil {
				return auth
			}
		}
		if auth, err := ssh.NewSSHAgentAuth("git"); err == nil {
			return auth
		}
		return nil
	}

	if username := os.Getenv("GIT_USERNAME"); username != "" {
		if password := os.Getenv("GIT_PASSWORD"); password != "" {
			return &http.BasicAuth{
				Username: username,
				Password: password,
			}
		}
	}
	if token := os.Getenv("GITHUB_TOKEN"); token != "" {
		return &http.BasicAuth{
			Username: "token",
			Password: token,
		}
	}
	return nil
}
