package git

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/RomanDovgii/testing-lms/internal/process"
	"github.com/RomanDovgii/testing-lms/internal/temporal"
)

// Client issues git commands inside contributor clones through a process.Runner,
// so every call gets the runner's retry policy.
type Client struct {
	runner process.Runner
	binary string
}

// NewClient returns a git client backed by runner
func NewClient(runner process.Runner) *Client {
	return &Client{runner: runner, binary: "git"}
}

// IsRepository reports whether dir holds a git working tree (a .git entry).
// Classroom clones are plain clones, so a .git file or directory is enough.
func IsRepository(dir string) bool {
	_, err := os.Stat(filepath.Join(dir, ".git"))
	return err == nil
}

func (c *Client) run(ctx context.Context, dir string, args ...string) (string, error) {
	res, err := c.runner.Run(ctx, process.Command{Name: c.binary, Args: args, Dir: dir})
	if err != nil {
		return "", err
	}
	return res.Stdout, nil
}

// CurrentBranch returns the checked out branch name
func (c *Client) CurrentBranch(ctx context.Context, dir string) (string, error) {
	out, err := c.run(ctx, dir, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// Head returns the SHA of the current commit
func (c *Client) Head(ctx context.Context, dir string) (string, error) {
	out, err := c.run(ctx, dir, "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// Fetch updates remote refs
func (c *Client) Fetch(ctx context.Context, dir string) error {
	_, err := c.run(ctx, dir, "fetch")
	return err
}

// Checkout switches the working tree to branch
func (c *Client) Checkout(ctx context.Context, dir, branch string) error {
	_, err := c.run(ctx, dir, "checkout", branch)
	return err
}

// Pull merges origin/<branch> into the working tree
func (c *Client) Pull(ctx context.Context, dir, branch string) error {
	_, err := c.run(ctx, dir, "pull", "origin", branch)
	return err
}

// Log returns the raw history in the format temporal.ParseGitLog reads
func (c *Client) Log(ctx context.Context, dir string) (string, error) {
	out, err := c.run(ctx, dir, temporal.LogArgs...)
	if err != nil {
		return "", fmt.Errorf("git log in %s: %w", dir, err)
	}
	return out, nil
}
