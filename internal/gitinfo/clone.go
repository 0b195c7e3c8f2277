package gitinfo

import (
	"context"
	"fmt"

	"github.com/go-git/go-git/v6"
	"github.com/go-git/go-git/v6/plumbing"
)

// CloneAt clones url into dir, resolves version, and checks the worktree
// out at the resolved commit. All branches and tags are fetched so that
// any tag or commit version can resolve.
func CloneAt(ctx context.Context, url, version, dir string) (*git.Repository, Resolution, error) {
	repo, err := git.PlainCloneContext(ctx, dir, &git.CloneOptions{
		URL: url,
	})
	if err != nil {
		return nil, Resolution{}, fmt.Errorf("clone %s: %w", url, err)
	}

	res, resolveErr := Resolve(repo, version)
	if resolveErr != nil {
		return nil, Resolution{}, resolveErr
	}

	checkoutErr := CheckoutHash(repo, res.Hash)
	if checkoutErr != nil {
		return nil, Resolution{}, checkoutErr
	}

	return repo, res, nil
}

// CheckoutHash moves the worktree to a specific commit.
func CheckoutHash(repo *git.Repository, hash string) error {
	wt, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("worktree: %w", err)
	}

	checkoutErr := wt.Checkout(&git.CheckoutOptions{Hash: plumbing.NewHash(hash)})
	if checkoutErr != nil {
		return fmt.Errorf("checkout %s: %w", hash, checkoutErr)
	}

	return nil
}
