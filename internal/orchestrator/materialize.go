package orchestrator

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/Sumatoshi-tech/callfang/internal/gitinfo"
	"github.com/Sumatoshi-tech/callfang/internal/ticket"
)

// Checkout is the materialized project tree a build analyzes.
type Checkout struct {
	// Dir is the project root.
	Dir string

	// Hash is the resolved commit, empty for a plain local tree.
	Hash string

	// Kind says how the version resolved, empty for a plain local tree.
	Kind gitinfo.Kind
}

// Materializer produces the checkout for one ticket. scratch is the
// build's private workspace; implementations may clone into it.
type Materializer interface {
	Materialize(ctx context.Context, tk *ticket.Ticket, scratch string) (*Checkout, error)
}

// gitMaterializer is the default source materializer: local paths are
// analyzed in place, everything else is cloned at the ticket version.
type gitMaterializer struct{}

// Materialize implements Materializer.
//
// A ticket path that is a git checkout has its version resolved for the
// audit trail, which also rejects branch versions. A path that is not a
// repository at all is accepted as a plain tree; the version then only
// contributes snapshot identity. The local tree is never mutated.
func (gitMaterializer) Materialize(ctx context.Context, tk *ticket.Ticket, scratch string) (*Checkout, error) {
	if tk.Path != "" {
		co := &Checkout{Dir: tk.Path}

		repo, err := gitinfo.Open(tk.Path)
		if err != nil {
			return co, nil
		}

		res, resolveErr := gitinfo.Resolve(repo, tk.Version)
		if resolveErr != nil {
			return nil, resolveErr
		}

		co.Hash = res.Hash
		co.Kind = res.Kind

		return co, nil
	}

	dir := filepath.Join(scratch, "src")

	_, res, err := gitinfo.CloneAt(ctx, tk.RepoURL, tk.Version, dir)
	if err != nil {
		return nil, err
	}

	return &Checkout{Dir: dir, Hash: res.Hash, Kind: res.Kind}, nil
}

// describe renders the checkout for the probe phase log.
func (c *Checkout) describe() string {
	if c.Hash == "" {
		return fmt.Sprintf("local tree %s", c.Dir)
	}

	return fmt.Sprintf("%s %s at %s", c.Kind, c.Hash, c.Dir)
}
