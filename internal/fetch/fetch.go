// Copyright 2025 Google LLC
// SPDX-License-Identifier: Apache-2.0

// Package fetch resolves build input resources (git repos, model/dataset
// repos, files, archives) into the build workspace, grounded on
// server/aicert_server/builder.py's __fetch_resource: each resource kind
// is realized as a composed shell script run inside the base container,
// so that the fetch itself becomes measured build activity rather than a
// host-side operation invisible to the event log.
package fetch

import (
	"context"
	"path"
	"strings"

	"github.com/attestbuild/runner/internal/container"
	"github.com/attestbuild/runner/internal/shellcmd"
	"github.com/pkg/errors"
)

// Kind enumerates the resource kinds the fetcher understands.
type Kind string

const (
	KindGit     Kind = "git"
	KindRepo    Kind = "repo" // model or dataset, git-lfs backed
	KindFile    Kind = "file"
	KindArchive Kind = "archive"
)

// Spec describes one input resource, matching the wire shape of
// aicert_common.protocol.Resource.
type Spec struct {
	Kind         Kind
	Path         string // install path, relative to the workspace
	Repo         string // git/repo kinds
	Ref          string // branch or commit-ish (git), or content hash (repo)
	URL          string // file/archive kinds
	Compression  string // "gzip" or ""
	Dependencies string // lockfile regenerator name: "poetry", "npm", "go.sum", or ""
}

// Resolved is the outcome of fetching one resource: the content hash to
// record in the input_resource event.
type Resolved struct {
	ContentHash string // "sha1:<commit>" or "sha256:<digest>"
}

// BaseImage is the container image resources are fetched inside; it must
// carry git, git-lfs, curl, gzip, and tar, matching the original's AICert
// base image.
var BaseImage = container.Image{Ref: "@local/aicert-base:latest"}

// Fetch resolves spec into workspaceHostPath using runner, returning the
// resource's content hash. An absolute or escaping install path is
// rejected before any container is started, matching the original's
// HTTPException(403) guard.
func Fetch(ctx context.Context, runner *container.Runner, spec Spec, workspaceHostPath string) (Resolved, error) {
	if err := validateInstallPath(spec.Path); err != nil {
		return Resolved{}, err
	}
	switch spec.Kind {
	case KindGit:
		return fetchGit(ctx, runner, spec, workspaceHostPath)
	case KindRepo:
		return fetchRepo(ctx, runner, spec, workspaceHostPath)
	case KindFile, KindArchive:
		return fetchFileOrArchive(ctx, runner, spec, workspaceHostPath)
	default:
		return Resolved{}, errors.Errorf("fetch: unknown resource kind %q", spec.Kind)
	}
}

// validateInstallPath rejects absolute paths and paths that would escape
// the workspace via "..", matching the original's path.is_absolute() check
// generalized to also catch traversal, which the original relied on
// Docker's bind-mount containment for but which a host-side Go process
// must check for itself before ever shelling out.
func validateInstallPath(p string) error {
	if p == "" {
		return errors.New("fetch: install path must not be empty")
	}
	if path.IsAbs(p) {
		return errors.Errorf("fetch: resource path must be relative: %s", p)
	}
	clean := path.Clean(p)
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return errors.Errorf("fetch: resource path escapes workspace: %s", p)
	}
	return nil
}

func fetchGit(ctx context.Context, runner *container.Runner, spec Spec, workspace string) (Resolved, error) {
	line := shellcmd.New(
		[]string{"git", "clone", spec.Repo, spec.Path},
		[]string{"cd", spec.Path},
		[]string{"git", "checkout", spec.Ref},
	)
	if err := run(ctx, runner, line, workspace); err != nil {
		return Resolved{}, errors.Wrap(err, "cloning git resource")
	}
	if spec.Dependencies != "" {
		if err := regenerateLockfile(ctx, runner, spec, workspace); err != nil {
			return Resolved{}, err
		}
	}
	hashLine := shellcmd.New([]string{"git", "rev-parse", "--verify", "HEAD"})
	res, err := runner.Run(ctx, container.RunOptions{
		Image:             BaseImage,
		Command:           hashLine.MustString(),
		WorkspaceHostPath: path.Join(workspace, spec.Path),
	})
	if err != nil {
		return Resolved{}, errors.Wrap(err, "reading resolved commit")
	}
	return Resolved{ContentHash: "sha1:" + strings.TrimSpace(string(res.Output))}, nil
}

func fetchRepo(ctx context.Context, runner *container.Runner, spec Spec, workspace string) (Resolved, error) {
	line := shellcmd.New(
		[]string{"git", "lfs", "install"},
		[]string{"git", "clone", spec.Repo, spec.Path},
		[]string{"cd", spec.Path},
		[]string{"git", "fetch", "origin", spec.Ref},
		[]string{"git", "reset", "--hard", "FETCH_HEAD"},
	)
	if err := run(ctx, runner, line, workspace); err != nil {
		return Resolved{}, errors.Wrap(err, "cloning repo resource")
	}
	hashLine := shellcmd.New([]string{"git", "rev-parse", "--verify", "HEAD"})
	res, err := runner.Run(ctx, container.RunOptions{
		Image:             BaseImage,
		Command:           hashLine.MustString(),
		WorkspaceHostPath: path.Join(workspace, spec.Path),
	})
	if err != nil {
		return Resolved{}, errors.Wrap(err, "reading resolved commit")
	}
	return Resolved{ContentHash: "sha1:" + strings.TrimSpace(string(res.Output))}, nil
}

func fetchFileOrArchive(ctx context.Context, runner *container.Runner, spec Spec, workspace string) (Resolved, error) {
	downloadPath := path.Base(spec.Path)
	isArchive := spec.Kind == KindArchive
	if isArchive || spec.Compression == "gzip" {
		downloadPath = "/tmp/000_fetch_" + strings.ReplaceAll(spec.Path, "/", "_")
	}
	line := shellcmd.New([]string{"curl", "-s", "-o", downloadPath, "-L", spec.URL})
	if isArchive {
		flag := "-xf"
		if spec.Compression == "gzip" {
			flag = "-xzf"
		}
		line.Then([]string{"tar", flag, downloadPath})
	} else if spec.Compression == "gzip" {
		line.Then([]string{"gzip", "-c", "-d", downloadPath}).Redirect(path.Base(spec.Path))
	}
	line.Then([]string{"sha256sum", downloadPath}).Pipe([]string{"cut", "-d", " ", "-f", "1"})
	dest := workspace
	if isArchive {
		dest = path.Join(workspace, spec.Path)
	} else {
		dest = path.Join(workspace, path.Dir(spec.Path))
	}
	res, err := runner.Run(ctx, container.RunOptions{
		Image:             BaseImage,
		Command:           line.MustString(),
		WorkspaceHostPath: dest,
	})
	if err != nil {
		return Resolved{}, errors.Wrapf(err, "fetching %s resource", spec.Kind)
	}
	return Resolved{ContentHash: "sha256:" + strings.TrimSpace(string(res.Output))}, nil
}

func run(ctx context.Context, runner *container.Runner, line *shellcmd.Line, workspace string) error {
	cmdStr, err := line.String()
	if err != nil {
		return err
	}
	res, err := runner.Run(ctx, container.RunOptions{
		Image:             BaseImage,
		Command:           cmdStr,
		WorkspaceHostPath: workspace,
	})
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return errors.Errorf("command exited %d: %s", res.ExitCode, res.Output)
	}
	return nil
}

// lockfileToolkit maps a dependency-manager name onto the shell script
// that regenerates its lockfile, generalizing the original's
// poetry-only `dependencies` handling (spec.Dependencies == "poetry") to
// a small registry of named steps, grounded on the teacher's toolkit map
// of named templated build steps.
var lockfileToolkit = map[string]func(installPath string) *shellcmd.Line{
	"poetry": func(p string) *shellcmd.Line {
		return shellcmd.New([]string{"poetry", "lock", "--no-update"})
	},
	"npm": func(p string) *shellcmd.Line {
		return shellcmd.New([]string{"npm", "install", "--package-lock-only"})
	},
	"go.sum": func(p string) *shellcmd.Line {
		return shellcmd.New([]string{"go", "mod", "tidy"})
	},
}

func regenerateLockfile(ctx context.Context, runner *container.Runner, spec Spec, workspace string) error {
	gen, ok := lockfileToolkit[spec.Dependencies]
	if !ok {
		return errors.Errorf("fetch: unsupported lockfile regenerator %q", spec.Dependencies)
	}
	line := gen(spec.Path)
	cmdStr, err := line.String()
	if err != nil {
		return err
	}
	res, err := runner.Run(ctx, container.RunOptions{
		Image:             BaseImage,
		Command:           cmdStr,
		WorkspaceHostPath: path.Join(workspace, spec.Path),
	})
	if err != nil {
		return errors.Wrapf(err, "regenerating %s lockfile", spec.Dependencies)
	}
	if res.ExitCode != 0 {
		return errors.Errorf("%s lockfile regeneration exited %d: %s", spec.Dependencies, res.ExitCode, res.Output)
	}
	return nil
}
