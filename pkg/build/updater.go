// Package build updates the orchestrator's own checkout: pull the latest
// changes and rebuild with whatever build system the project uses.
package build

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"

	"foreman/pkg/logx"
)

// Backend knows how to build one kind of project tree.
type Backend interface {
	// Name identifies the backend in logs.
	Name() string

	// Detect reports whether this backend applies to the project root.
	Detect(root string) bool

	// Build compiles the project, streaming tool output to stream.
	Build(ctx context.Context, root string, stream io.Writer) error
}

// Updater pulls and rebuilds the checkout at root. Backends are tried in
// order; the first that detects wins.
type Updater struct {
	root     string
	backends []Backend
	logger   *logx.Logger
}

// NewUpdater returns an Updater with the standard backend order: Makefile
// first, then go.mod, then a no-op fallback.
func NewUpdater(root string) *Updater {
	return &Updater{
		root:     root,
		backends: []Backend{&MakeBackend{}, &GoBackend{}, &NullBackend{}},
		logger:   logx.NewLogger("build"),
	}
}

// Pull fast-forwards the checkout. Diverged history is an error rather than
// a merge.
func (u *Updater) Pull(ctx context.Context, stream io.Writer) error {
	cmd := exec.CommandContext(ctx, "git", "pull", "--ff-only")
	cmd.Dir = u.root
	cmd.Stdout = stream
	cmd.Stderr = stream
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("git pull failed: %w", err)
	}
	return nil
}

// Build rebuilds the checkout using the first backend that detects.
func (u *Updater) Build(ctx context.Context, stream io.Writer) error {
	for _, b := range u.backends {
		if !b.Detect(u.root) {
			continue
		}
		u.logger.Info("Building %s with %s backend", u.root, b.Name())
		if err := b.Build(ctx, u.root, stream); err != nil {
			return fmt.Errorf("%s build failed: %w", b.Name(), err)
		}
		return nil
	}
	return nil
}

// MakeBackend builds projects with a Makefile.
type MakeBackend struct{}

func (m *MakeBackend) Name() string { return "make" }

func (m *MakeBackend) Detect(root string) bool {
	for _, name := range []string{"Makefile", "makefile", "GNUmakefile"} {
		if _, err := os.Stat(filepath.Join(root, name)); err == nil {
			return true
		}
	}
	return false
}

func (m *MakeBackend) Build(ctx context.Context, root string, stream io.Writer) error {
	cmd := exec.CommandContext(ctx, "make", "build")
	cmd.Dir = root
	cmd.Stdout = stream
	cmd.Stderr = stream
	return cmd.Run()
}

// GoBackend builds module trees with go build.
type GoBackend struct{}

func (g *GoBackend) Name() string { return "go" }

func (g *GoBackend) Detect(root string) bool {
	_, err := os.Stat(filepath.Join(root, "go.mod"))
	return err == nil
}

func (g *GoBackend) Build(ctx context.Context, root string, stream io.Writer) error {
	cmd := exec.CommandContext(ctx, "go", "build", "./...")
	cmd.Dir = root
	cmd.Stdout = stream
	cmd.Stderr = stream
	return cmd.Run()
}

// NullBackend matches everything and builds nothing. It keeps Update usable
// on checkouts with no recognized build system.
type NullBackend struct{}

func (n *NullBackend) Name() string { return "null" }

func (n *NullBackend) Detect(string) bool { return true }

func (n *NullBackend) Build(_ context.Context, _ string, stream io.Writer) error {
	_, _ = fmt.Fprintln(stream, "no build system detected, skipping build")
	return nil
}
