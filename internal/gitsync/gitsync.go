// Package gitsync synchronises the shared progress document with a remote
// git repository, falling back to a fork plus pull request when the worker
// cannot push upstream.
package gitsync

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"github.com/me/re3/internal/logging"
)

// ErrPermissionDenied is returned by Push when the remote rejects the
// worker's credentials or the branch is protected.
var ErrPermissionDenied = errors.New("push permission denied")

// Syncer publishes and fetches the shared state.
type Syncer interface {
	// Pull commits local changes and rebases onto the remote.
	Pull(ctx context.Context) error
	// Commit stages the tracked paths and commits them. It reports whether
	// a commit was created.
	Commit(ctx context.Context, message string) (bool, error)
	// Push publishes local commits.
	Push(ctx context.Context) error
	// ForkAndPropose pushes HEAD to the worker's fork under branch and opens
	// a pull request upstream, returning its URL.
	ForkAndPropose(ctx context.Context, branch, title, body string) (string, error)
}

// CommandRunner abstracts command execution for testing.
type CommandRunner interface {
	Run(ctx context.Context, dir, name string, args ...string) (stdout, stderr string, exitCode int, err error)
}

type osCommandRunner struct{}

func (osCommandRunner) Run(ctx context.Context, dir, name string, args ...string) (string, string, int, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &stdoutBuf
	cmd.Stderr = &stderrBuf

	runErr := cmd.Run()
	switch e := runErr.(type) {
	case nil:
		return stdoutBuf.String(), stderrBuf.String(), 0, nil
	case *exec.ExitError:
		return stdoutBuf.String(), stderrBuf.String(), e.ExitCode(), nil
	default:
		return stdoutBuf.String(), stderrBuf.String(), -1, runErr
	}
}

// Options configures a Git syncer.
type Options struct {
	Dir        string        // repository working tree
	Remote     string        // upstream remote name
	Paths      []string      // paths staged on commit
	ForkRemote string        // remote name added for the fork
	Timeout    time.Duration // per command
}

// Git implements Syncer with the git and gh command line tools.
type Git struct {
	opts   Options
	runner CommandRunner
	logger *slog.Logger
}

// NewGit creates a Git syncer running real commands.
func NewGit(opts Options, logger *slog.Logger) *Git {
	return newGitWithRunner(opts, osCommandRunner{}, logger)
}

func newGitWithRunner(opts Options, runner CommandRunner, logger *slog.Logger) *Git {
	if opts.Dir == "" {
		opts.Dir = "."
	}
	if opts.Remote == "" {
		opts.Remote = "origin"
	}
	if opts.ForkRemote == "" {
		opts.ForkRemote = "fork"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	return &Git{opts: opts, runner: runner, logger: logging.Component(logger, "gitsync")}
}

// commandError carries a failed command's stderr.
type commandError struct {
	cmd      string
	exitCode int
	stderr   string
}

func (e *commandError) Error() string {
	return fmt.Sprintf("%s: exit %d: %s", e.cmd, e.exitCode, strings.TrimSpace(e.stderr))
}

func (g *Git) run(ctx context.Context, name string, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, g.opts.Timeout)
	defer cancel()

	g.logger.Debug("exec", "cmd", name, "args", args)
	stdout, stderr, code, err := g.runner.Run(ctx, g.opts.Dir, name, args...)
	if err != nil {
		return stdout, fmt.Errorf("%s %s: %w", name, strings.Join(args, " "), err)
	}
	if code != 0 {
		return stdout, &commandError{cmd: name + " " + strings.Join(args, " "), exitCode: code, stderr: stderr + stdout}
	}
	return stdout, nil
}

// Commit stages Options.Paths and commits them. "Nothing to commit" is not
// an error.
func (g *Git) Commit(ctx context.Context, message string) (bool, error) {
	add := append([]string{"add", "--"}, g.opts.Paths...)
	if _, err := g.run(ctx, "git", add...); err != nil {
		return false, err
	}
	if _, err := g.run(ctx, "git", "commit", "-m", message); err != nil {
		var ce *commandError
		if errors.As(err, &ce) && nothingToCommit(ce.stderr) {
			return false, nil
		}
		return false, err
	}
	g.logger.Info("committed", "message", message)
	return true, nil
}

// Pull commits pending local changes and rebases onto the remote. A failed
// rebase is aborted so the tree is left usable.
func (g *Git) Pull(ctx context.Context) error {
	if _, err := g.Commit(ctx, "Auto-save progress"); err != nil {
		g.logger.Warn("local commit before pull failed", "error", err)
	}
	if _, err := g.run(ctx, "git", "pull", "--rebase", g.opts.Remote); err != nil {
		if _, abortErr := g.run(ctx, "git", "rebase", "--abort"); abortErr != nil {
			g.logger.Debug("rebase abort", "error", abortErr)
		}
		return fmt.Errorf("pull: %w", err)
	}
	return nil
}

// Push publishes HEAD to the upstream remote.
func (g *Git) Push(ctx context.Context) error {
	_, err := g.run(ctx, "git", "push", g.opts.Remote, "HEAD")
	if err == nil {
		return nil
	}
	var ce *commandError
	if errors.As(err, &ce) && permissionDenied(ce.stderr) {
		return fmt.Errorf("%w: %s", ErrPermissionDenied, strings.TrimSpace(ce.stderr))
	}
	return fmt.Errorf("push: %w", err)
}

// ForkAndPropose forks the upstream repository (if not already forked),
// pushes HEAD to a new branch there and opens a pull request.
func (g *Git) ForkAndPropose(ctx context.Context, branch, title, body string) (string, error) {
	out, err := g.run(ctx, "gh", "api", "user", "--jq", ".login")
	if err != nil {
		return "", fmt.Errorf("not logged into GitHub CLI (run: gh auth login): %w", err)
	}
	user := strings.TrimSpace(out)

	out, err = g.run(ctx, "git", "remote", "get-url", g.opts.Remote)
	if err != nil {
		return "", err
	}
	upstream, err := ParseRepo(strings.TrimSpace(out))
	if err != nil {
		return "", err
	}

	// "already exists" is fine for both of these
	if _, err := g.run(ctx, "gh", "repo", "fork", upstream.String(), "--clone=false"); err != nil {
		g.logger.Debug("fork", "error", err)
	}
	fork := Repo{Owner: user, Name: upstream.Name}
	if _, err := g.run(ctx, "git", "remote", "add", g.opts.ForkRemote, fork.HTTPSURL()); err != nil {
		g.logger.Debug("add fork remote", "error", err)
	}

	if _, err := g.run(ctx, "git", "push", g.opts.ForkRemote, "HEAD:refs/heads/"+branch); err != nil {
		return "", fmt.Errorf("push to fork: %w", err)
	}
	out, err = g.run(ctx, "gh", "pr", "create",
		"--repo", upstream.String(),
		"--head", user+":"+branch,
		"--title", title,
		"--body", body)
	if err != nil {
		return "", fmt.Errorf("create pull request: %w", err)
	}
	url := strings.TrimSpace(out)
	g.logger.Info("pull request created", "url", url, "branch", branch)
	return url, nil
}

func nothingToCommit(output string) bool {
	s := strings.ToLower(output)
	return strings.Contains(s, "nothing to commit") || strings.Contains(s, "no changes added")
}

func permissionDenied(stderr string) bool {
	s := strings.ToLower(stderr)
	for _, marker := range []string{"permission", "denied", "protected", "unable to access", "403"} {
		if strings.Contains(s, marker) {
			return true
		}
	}
	return false
}

// Noop is a Syncer for local-only runs.
type Noop struct{}

func (Noop) Pull(context.Context) error                   { return nil }
func (Noop) Commit(context.Context, string) (bool, error) { return false, nil }
func (Noop) Push(context.Context) error                   { return nil }
func (Noop) ForkAndPropose(context.Context, string, string, string) (string, error) {
	return "", errors.New("no remote configured")
}
