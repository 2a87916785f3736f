package main

import (
	"context"
	"path"
	"time"

	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/util"
	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/transport/http"
	"github.com/go-git/go-git/v5/storage/memory"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// GitOps is the repository ArgoCD syncs from.
type GitOps struct {
	URL          string
	Token        string
	ManifestPath string
	ArgoCDPath   string
	AuthorName   string
	AuthorEmail  string

	// Open and Push replace cloning from and pushing to URL.
	Open func(ctx context.Context, shallow bool) (*git.Repository, error)
	Push func(ctx context.Context, repo *git.Repository) error
}

// Change is one commit worth of file writes and removals.
type Change struct {
	Message string
	Write   map[string][]byte
	Remove  []string
}

func (g *GitOps) auth() *http.BasicAuth {
	if g.Token == "" {
		return nil
	}
	return &http.BasicAuth{
		Username: "oauth2",
		Password: g.Token,
	}
}

func (g *GitOps) open(ctx context.Context, shallow bool) (*git.Repository, error) {
	if g.Open != nil {
		return g.Open(ctx, shallow)
	}
	if g.URL == "" {
		return nil, errors.New("gitops repository url is not set")
	}

	opts := &git.CloneOptions{URL: g.URL}
	if auth := g.auth(); auth != nil {
		opts.Auth = auth
	}
	if shallow {
		opts.Depth = 1
	}
	repo, err := git.CloneContext(ctx, memory.NewStorage(), memfs.New(), opts)
	if err != nil {
		return nil, errors.Wrapf(err, "clone %s", g.URL)
	}
	return repo, nil
}

func (g *GitOps) push(ctx context.Context, repo *git.Repository) error {
	if g.Push != nil {
		return g.Push(ctx, repo)
	}
	opts := &git.PushOptions{}
	if auth := g.auth(); auth != nil {
		opts.Auth = auth
	}
	return repo.PushContext(ctx, opts)
}

// ManifestDir is where the resources of service in env are stored.
func (g *GitOps) ManifestDir(env Environment, service string) string {
	return path.Join(g.ManifestPath, env.Name, service)
}

// ApplicationFile is where the ArgoCD Application of service in env is stored.
func (g *GitOps) ApplicationFile(env Environment, service string) string {
	return path.Join(g.ArgoCDPath, env.AppName(service)+".yaml")
}

// Apply commits change and pushes it. It returns an empty hash when the
// change left the worktree clean.
func (g *GitOps) Apply(ctx context.Context, change Change) (string, error) {
	repo, err := g.open(ctx, false)
	if err != nil {
		return "", err
	}

	w, err := repo.Worktree()
	if err != nil {
		return "", errors.Wrap(err, "get worktree")
	}

	for name, data := range change.Write {
		if err := w.Filesystem.MkdirAll(path.Dir(name), 0o755); err != nil {
			return "", errors.Wrapf(err, "create directory for %s", name)
		}
		if err := util.WriteFile(w.Filesystem, name, data, 0o644); err != nil {
			return "", errors.Wrapf(err, "write %s", name)
		}
		if _, err := w.Add(name); err != nil {
			return "", errors.Wrapf(err, "git add %s", name)
		}
	}

	for _, name := range change.Remove {
		if _, err := w.Filesystem.Stat(name); err != nil {
			continue
		}
		if _, err := w.Remove(name); err != nil {
			return "", errors.Wrapf(err, "git rm %s", name)
		}
	}

	status, err := w.Status()
	if err != nil {
		return "", errors.Wrap(err, "get git status")
	}
	if status.IsClean() {
		log.Info("gitops repository already up to date")
		return "", nil
	}

	hash, err := w.Commit(change.Message, &git.CommitOptions{
		Author: &object.Signature{
			Name:  g.AuthorName,
			Email: g.AuthorEmail,
			When:  time.Now(),
		},
	})
	if err != nil {
		return "", errors.Wrap(err, "commit changes")
	}

	if err := g.push(ctx, repo); err != nil {
		return "", errors.Wrap(err, "push changes")
	}

	log.WithField("commit", hash.String()).Info("gitops repository updated")
	return hash.String(), nil
}

// Exists reports whether name is present at HEAD.
func (g *GitOps) Exists(ctx context.Context, name string) (bool, error) {
	repo, err := g.open(ctx, true)
	if err != nil {
		return false, err
	}

	ref, err := repo.Head()
	if err != nil {
		return false, errors.Wrap(err, "resolve HEAD")
	}
	commit, err := repo.CommitObject(ref.Hash())
	if err != nil {
		return false, errors.Wrap(err, "read HEAD commit")
	}
	tree, err := commit.Tree()
	if err != nil {
		return false, errors.Wrap(err, "read HEAD tree")
	}

	_, err = tree.File(name)
	return err == nil, nil
}
