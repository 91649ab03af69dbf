// Package jre produces a trimmed Java runtime for an application module by
// running jlink. The output directory is what the build command takes as its
// runtime directory.
package jre

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/aceeric/ocibuilder/impl/builderr"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Options configures a jlink run
type Options struct {
	// ModulePath is where the application module (and its dependencies) are
	ModulePath string
	// Module is the root module the runtime is linked for
	Module string
	// OutDir is the runtime directory to create. It is removed first if present.
	OutDir string
	// JavaHome is the JDK. Defaults to $JAVA_HOME.
	JavaHome string
	// Jlink is the jlink executable. Defaults to <JavaHome>/bin/jlink if that
	// exists, otherwise jlink on the PATH.
	Jlink string
}

// Build links a runtime for opts.Module into opts.OutDir. A jlink that cannot be
// started or that exits non-zero is returned as a ToolchainError with the output
// of the command.
func Build(ctx context.Context, opts Options) error {
	if opts.Module == "" || opts.ModulePath == "" || opts.OutDir == "" {
		return &builderr.ToolchainError{Cmd: []string{"jlink"}, Err: errors.New("module, module path, and output directory are required")}
	}
	if opts.JavaHome == "" {
		opts.JavaHome = os.Getenv("JAVA_HOME")
	}
	if err := os.RemoveAll(opts.OutDir); err != nil {
		return builderr.Storage("remove", opts.OutDir, err)
	}
	args := Args(opts)
	jlink := jlinkFor(opts)
	log.Infof("linking runtime for module %s into %s", opts.Module, opts.OutDir)
	log.Debugf("running %s %s", jlink, strings.Join(args, " "))

	cmd := exec.CommandContext(ctx, jlink, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return &builderr.ToolchainError{Cmd: append([]string{jlink}, args...), Output: string(out), Err: err}
	}
	log.Debugf("jlink output: %s", strings.TrimSpace(string(out)))
	return nil
}

// Args returns the jlink arguments for the passed options
func Args(opts Options) []string {
	modulePath := opts.ModulePath
	if opts.JavaHome != "" {
		modulePath = filepath.Join(opts.JavaHome, "jmods") + string(os.PathListSeparator) + modulePath
	}
	return []string{
		"--module-path", modulePath,
		"--add-modules", opts.Module,
		"--output", opts.OutDir,
		"--strip-debug",
		"--no-header-files",
		"--no-man-pages",
	}
}

func jlinkFor(opts Options) string {
	if opts.Jlink != "" {
		return opts.Jlink
	}
	if opts.JavaHome != "" {
		candidate := filepath.Join(opts.JavaHome, "bin", "jlink")
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
	}
	return "jlink"
}
