package gitmirror

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"gitlab.elettra.eu/cs/inau/pkg/types"
)

// Manager owns the checkout area. Root holds one subdirectory per
// platform id; under it live the shared makefiles checkout and one
// checkout per repository, named by its project path.
type Manager struct {
	root          string
	makefilesURL  string
	makefilesName string
	logger        zerolog.Logger

	mu    sync.Mutex
	locks map[int64]*sync.Mutex
}

// New returns a manager rooted at root. makefilesURL may be empty, in
// which case the shared macros checkout is skipped.
func New(root, makefilesURL, makefilesName string, logger zerolog.Logger) *Manager {
	return &Manager{
		root:          root,
		makefilesURL:  makefilesURL,
		makefilesName: makefilesName,
		logger:        logger,
		locks:         map[int64]*sync.Mutex{},
	}
}

func (m *Manager) platformLock(platformID int64) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, ok := m.locks[platformID]
	if !ok {
		lock = &sync.Mutex{}
		m.locks[platformID] = lock
	}
	return lock
}

// Sync prepares the work tree for the job: refreshes the shared
// makefiles, clones or updates the repository, verifies the tag is
// reachable from the repository's default branch, then hard-resets the
// tree to the tag and syncs submodules. It returns the checkout
// directory. The platform lock is held for the duration, so concurrent
// jobs of one platform mutate the tree one at a time.
func (m *Manager) Sync(ctx context.Context, job types.Job) (string, error) {
	lock := m.platformLock(job.PlatformID)
	lock.Lock()
	defer lock.Unlock()

	platformDir := filepath.Join(m.root, strconv.FormatInt(job.PlatformID, 10))
	if err := os.MkdirAll(platformDir, 0o755); err != nil {
		return "", fmt.Errorf("creating platform dir: %w", err)
	}

	if m.makefilesURL != "" {
		if err := m.syncMakefiles(ctx, platformDir); err != nil {
			return "", err
		}
	}

	dir := filepath.Join(platformDir, filepath.FromSlash(job.RepositoryName))
	if err := m.syncRepository(ctx, dir, job); err != nil {
		return "", err
	}
	return dir, nil
}

func (m *Manager) syncMakefiles(ctx context.Context, platformDir string) error {
	dir := filepath.Join(platformDir, filepath.FromSlash(m.makefilesName))
	if !isCheckout(dir) {
		if err := os.MkdirAll(filepath.Dir(dir), 0o755); err != nil {
			return fmt.Errorf("creating makefiles dir: %w", err)
		}
		m.logger.Info().Str("dir", dir).Msg("cloning makefiles")
		if _, err := run(ctx, "", "clone", m.makefilesURL, dir); err != nil {
			return fmt.Errorf("cloning makefiles: %w", err)
		}
		return nil
	}
	if _, err := run(ctx, dir, "remote", "update", "--prune"); err != nil {
		return fmt.Errorf("updating makefiles: %w", err)
	}
	if _, err := run(ctx, dir, "remote", "set-head", "origin", "--auto"); err != nil {
		return fmt.Errorf("resolving makefiles head: %w", err)
	}
	head, err := run(ctx, dir, "symbolic-ref", "--short", "refs/remotes/origin/HEAD")
	if err != nil {
		return fmt.Errorf("resolving makefiles head: %w", err)
	}
	if _, err := run(ctx, dir, "reset", "--hard", strings.TrimSpace(string(head)), "--"); err != nil {
		return fmt.Errorf("resetting makefiles: %w", err)
	}
	return nil
}

func (m *Manager) syncRepository(ctx context.Context, dir string, job types.Job) error {
	if !isCheckout(dir) {
		if err := os.MkdirAll(filepath.Dir(dir), 0o755); err != nil {
			return fmt.Errorf("creating repository dir: %w", err)
		}
		m.logger.Info().Str("repository", job.RepositoryName).Str("dir", dir).Msg("cloning repository")
		if _, err := run(ctx, "", "clone", "--recurse-submodules", job.RepositorySSHURL, dir); err != nil {
			return fmt.Errorf("cloning %s: %w", job.RepositoryName, err)
		}
	} else {
		if _, err := run(ctx, dir, "fetch", "--tags", "--force", "--prune", "origin"); err != nil {
			return fmt.Errorf("fetching %s: %w", job.RepositoryName, err)
		}
	}

	if err := verifyReachable(ctx, dir, job.Tag, job.DefaultBranch); err != nil {
		return err
	}

	if _, err := run(ctx, dir, "reset", "--hard", "refs/tags/"+job.Tag, "--"); err != nil {
		return fmt.Errorf("resetting %s to tag %s: %w", job.RepositoryName, job.Tag, err)
	}
	if _, err := run(ctx, dir, "submodule", "update", "--init", "--force", "--recursive"); err != nil {
		return fmt.Errorf("syncing submodules of %s: %w", job.RepositoryName, err)
	}
	return nil
}

// verifyReachable checks that the tag's commit is an ancestor of the
// remote default branch, so tags on side branches never build.
func verifyReachable(ctx context.Context, dir, tag, branch string) error {
	if branch == "" {
		return fmt.Errorf("tag %q: repository has no default branch", tag)
	}
	cmd := exec.CommandContext(ctx, "git", "merge-base", "--is-ancestor",
		"refs/tags/"+tag+"^{commit}", "origin/"+branch)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err == nil {
		return nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 {
		return fmt.Errorf("tag %q is not reachable from branch %q", tag, branch)
	}
	return fmt.Errorf("checking tag %q against branch %q: %w: %s",
		tag, branch, err, strings.TrimSpace(string(out)))
}

func isCheckout(dir string) bool {
	_, err := os.Stat(filepath.Join(dir, ".git"))
	return err == nil
}

func run(ctx context.Context, dir string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")
	out, err := cmd.CombinedOutput()
	if err != nil {
		return out, fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return out, nil
}
