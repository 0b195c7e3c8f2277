// Package gitinfo opens and clones analyzed repositories and resolves
// ticket versions to immutable commits. Branch names are refused: a
// snapshot must never be keyed to a moving target.
package gitinfo

import (
	"errors"
	"fmt"

	"github.com/go-git/go-git/v6"
	"github.com/go-git/go-git/v6/plumbing"
)

// Kind classifies how a requested version resolves in a repository.
type Kind string

// Version kinds.
const (
	KindTag    Kind = "tag"
	KindCommit Kind = "commit"
)

// Abbreviated and full hex commit hash lengths accepted as versions.
const (
	minAbbrevHashLen = 7
	maxHashLen       = 64
)

var (
	// ErrVersionIsBranch indicates the ticket version names a branch.
	ErrVersionIsBranch = errors.New("version is a branch, need tag or commit")
	// ErrVersionNotImmutable indicates a resolvable but movable revision
	// expression such as HEAD.
	ErrVersionNotImmutable = errors.New("version is not an immutable tag or commit")
	// ErrVersionNotFound indicates the version resolves to nothing.
	ErrVersionNotFound = errors.New("version not found in repository")
)

// Resolution is the outcome of resolving a ticket version.
type Resolution struct {
	// Kind says whether the version was a tag or a raw commit.
	Kind Kind

	// Hash is the full commit hash the version peels to.
	Hash string
}

// Open opens an existing local checkout.
func Open(path string) (*git.Repository, error) {
	repo, err := git.PlainOpen(path)
	if err != nil {
		return nil, fmt.Errorf("open repository %s: %w", path, err)
	}

	return repo, nil
}

// Resolve classifies a ticket version and resolves it to a commit hash.
// Tags take precedence: a tag is immutable even when a branch shares its
// name. Branches and movable revision expressions are refused.
func Resolve(repo *git.Repository, version string) (Resolution, error) {
	_, tagErr := repo.Reference(plumbing.NewTagReferenceName(version), false)
	if tagErr == nil {
		hash, err := resolveHash(repo, version)
		if err != nil {
			return Resolution{}, err
		}

		return Resolution{Kind: KindTag, Hash: hash}, nil
	}

	if isBranch(repo, version) {
		return Resolution{}, fmt.Errorf("%w: %q", ErrVersionIsBranch, version)
	}

	if isHexCommit(version) {
		hash, err := resolveHash(repo, version)
		if err != nil {
			return Resolution{}, err
		}

		return Resolution{Kind: KindCommit, Hash: hash}, nil
	}

	_, revErr := repo.ResolveRevision(plumbing.Revision(version))
	if revErr == nil {
		return Resolution{}, fmt.Errorf("%w: %q", ErrVersionNotImmutable, version)
	}

	return Resolution{}, fmt.Errorf("%w: %q", ErrVersionNotFound, version)
}

func isBranch(repo *git.Repository, version string) bool {
	_, localErr := repo.Reference(plumbing.NewBranchReferenceName(version), false)
	if localErr == nil {
		return true
	}

	_, remoteErr := repo.Reference(plumbing.NewRemoteReferenceName(defaultRemote, version), false)

	return remoteErr == nil
}

// defaultRemote is the remote name clones track.
const defaultRemote = "origin"

func resolveHash(repo *git.Repository, version string) (string, error) {
	hash, err := repo.ResolveRevision(plumbing.Revision(version))
	if err != nil {
		return "", fmt.Errorf("%w: %q", ErrVersionNotFound, version)
	}

	peeled, peelErr := peelToCommit(repo, *hash)
	if peelErr != nil {
		return "", fmt.Errorf("peel %q: %w", version, peelErr)
	}

	return peeled.String(), nil
}

// peelToCommit follows annotated tag objects down to the tagged commit.
func peelToCommit(repo *git.Repository, hash plumbing.Hash) (plumbing.Hash, error) {
	for range maxTagChainDepth {
		tag, err := repo.TagObject(hash)
		if err != nil {
			return hash, nil
		}

		hash = tag.Target
	}

	return plumbing.ZeroHash, fmt.Errorf("%w: tag chain too deep", ErrVersionNotFound)
}

// maxTagChainDepth bounds nested annotated-tag indirection.
const maxTagChainDepth = 10

func isHexCommit(version string) bool {
	if len(version) < minAbbrevHashLen || len(version) > maxHashLen {
		return false
	}

	for _, ch := range version {
		isDigit := ch >= '0' && ch <= '9'
		isHexLetter := ch >= 'a' && ch <= 'f' || ch >= 'A' && ch <= 'F'

		if !isDigit && !isHexLetter {
			return false
		}
	}

	return true
}
