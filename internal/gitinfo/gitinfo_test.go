package gitinfo_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-git/go-git/v6"
	gitplumbing "github.com/go-git/go-git/v6/plumbing"
	"github.com/go-git/go-git/v6/plumbing/object"
	"github.com/go-git/go-git/v6/storage/memory"

	"github.com/Sumatoshi-tech/callfang/internal/gitinfo"
)

// testRepo is an in-memory repository with one commit on master, a
// lightweight tag, an annotated tag, and a branch/tag name collision.
type testRepo struct {
	repo       *git.Repository
	commitHash gitplumbing.Hash
}

func buildTestRepo(t *testing.T) testRepo {
	t.Helper()

	s := memory.NewStorage()

	r, err := git.Init(s, nil)
	require.NoError(t, err)

	blobHash := writeBlob(t, r, "#include <stdio.h>\n")

	tree := object.Tree{Entries: []object.TreeEntry{
		{Name: "main.c", Mode: 0o100644, Hash: blobHash},
	}}
	tObj := r.Storer.NewEncodedObject()
	tObj.SetType(gitplumbing.TreeObject)
	require.NoError(t, tree.Encode(tObj))

	treeHash, err := r.Storer.SetEncodedObject(tObj)
	require.NoError(t, err)

	sig := object.Signature{Name: "dev", Email: "dev@example.com", When: time.Now()}

	cObj := r.Storer.NewEncodedObject()
	cObj.SetType(gitplumbing.CommitObject)

	commit := &object.Commit{TreeHash: treeHash, Author: sig, Committer: sig, Message: "initial"}
	require.NoError(t, commit.Encode(cObj))

	commitHash, err := r.Storer.SetEncodedObject(cObj)
	require.NoError(t, err)

	setRef := func(name gitplumbing.ReferenceName, hash gitplumbing.Hash) {
		require.NoError(t, r.Storer.SetReference(gitplumbing.NewHashReference(name, hash)))
	}

	// master so HEAD resolves; lightweight tag; branch/tag collision.
	setRef(gitplumbing.NewBranchReferenceName("master"), commitHash)
	setRef(gitplumbing.NewTagReferenceName("v1.0.0"), commitHash)
	setRef(gitplumbing.NewBranchReferenceName("dual"), commitHash)
	setRef(gitplumbing.NewTagReferenceName("dual"), commitHash)

	// Annotated tag object pointing at the commit.
	tagObj := r.Storer.NewEncodedObject()
	tagObj.SetType(gitplumbing.TagObject)

	annotated := &object.Tag{
		Name:       "v2.0.0",
		Message:    "release",
		Target:     commitHash,
		TargetType: gitplumbing.CommitObject,
		Tagger:     sig,
	}
	require.NoError(t, annotated.Encode(tagObj))

	tagHash, err := r.Storer.SetEncodedObject(tagObj)
	require.NoError(t, err)

	setRef(gitplumbing.NewTagReferenceName("v2.0.0"), tagHash)

	return testRepo{repo: r, commitHash: commitHash}
}

func writeBlob(t *testing.T, r *git.Repository, content string) gitplumbing.Hash {
	t.Helper()

	obj := r.Storer.NewEncodedObject()
	obj.SetType(gitplumbing.BlobObject)
	obj.SetSize(int64(len(content)))

	w, err := obj.Writer()
	require.NoError(t, err)

	_, err = w.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	h, err := r.Storer.SetEncodedObject(obj)
	require.NoError(t, err)

	return h
}

func TestResolve_LightweightTag(t *testing.T) {
	t.Parallel()

	tr := buildTestRepo(t)

	res, err := gitinfo.Resolve(tr.repo, "v1.0.0")
	require.NoError(t, err)

	assert.Equal(t, gitinfo.KindTag, res.Kind)
	assert.Equal(t, tr.commitHash.String(), res.Hash)
}

func TestResolve_AnnotatedTag_PeelsToCommit(t *testing.T) {
	t.Parallel()

	tr := buildTestRepo(t)

	res, err := gitinfo.Resolve(tr.repo, "v2.0.0")
	require.NoError(t, err)

	assert.Equal(t, gitinfo.KindTag, res.Kind)
	assert.Equal(t, tr.commitHash.String(), res.Hash)
}

func TestResolve_FullCommitHash(t *testing.T) {
	t.Parallel()

	tr := buildTestRepo(t)

	res, err := gitinfo.Resolve(tr.repo, tr.commitHash.String())
	require.NoError(t, err)

	assert.Equal(t, gitinfo.KindCommit, res.Kind)
	assert.Equal(t, tr.commitHash.String(), res.Hash)
}

func TestResolve_Branch_Rejected(t *testing.T) {
	t.Parallel()

	tr := buildTestRepo(t)

	_, err := gitinfo.Resolve(tr.repo, "master")
	require.Error(t, err)
	assert.ErrorIs(t, err, gitinfo.ErrVersionIsBranch)
}

func TestResolve_TagWinsOverBranchCollision(t *testing.T) {
	t.Parallel()

	tr := buildTestRepo(t)

	// "dual" exists as both branch and tag; the immutable tag wins.
	res, err := gitinfo.Resolve(tr.repo, "dual")
	require.NoError(t, err)
	assert.Equal(t, gitinfo.KindTag, res.Kind)
}

func TestResolve_MovableRevision_Rejected(t *testing.T) {
	t.Parallel()

	tr := buildTestRepo(t)

	// HEAD resolves but is movable.
	_, err := gitinfo.Resolve(tr.repo, "HEAD")
	require.Error(t, err)
	assert.ErrorIs(t, err, gitinfo.ErrVersionNotImmutable)
}

func TestResolve_UnknownVersion(t *testing.T) {
	t.Parallel()

	tr := buildTestRepo(t)

	_, err := gitinfo.Resolve(tr.repo, "v9.9.9")
	require.Error(t, err)
	assert.ErrorIs(t, err, gitinfo.ErrVersionNotFound)
}

func TestResolve_HexLookingNameNotPresent(t *testing.T) {
	t.Parallel()

	tr := buildTestRepo(t)

	_, err := gitinfo.Resolve(tr.repo, "deadbeefdeadbeefdeadbeefdeadbeefdeadbeef")
	require.Error(t, err)
	assert.ErrorIs(t, err, gitinfo.ErrVersionNotFound)
}

func TestOpen_MissingPath(t *testing.T) {
	t.Parallel()

	_, err := gitinfo.Open(t.TempDir())
	require.Error(t, err)
}
