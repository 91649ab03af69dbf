package assembler

import (
	"io"
	"os"
	"path/filepath"

	"github.com/aceeric/ocibuilder/impl/builderr"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"go.uber.org/multierr"
)

// filesystem operations used to publish, replaced in tests
var (
	rename    = os.Rename
	removeAll = os.RemoveAll
)

// staging is the directory a build writes into. It is created next to the output
// directory so that publishing it is a rename within one filesystem.
type staging struct {
	dir       string
	published bool
}

func newStaging(outDir string) (*staging, error) {
	parent := filepath.Dir(outDir)
	if err := os.MkdirAll(parent, 0755); err != nil {
		return nil, builderr.Storage("create parent directory", parent, err)
	}
	dir := filepath.Join(parent, "."+filepath.Base(outDir)+"-"+uuid.NewString())
	if err := os.Mkdir(dir, 0755); err != nil {
		return nil, builderr.Storage("create staging directory", dir, err)
	}
	log.Debugf("staging build in %s", dir)
	return &staging{dir: dir}, nil
}

// cleanup removes the staging directory unless it was published
func (s *staging) cleanup() error {
	if s.published {
		return nil
	}
	log.Debugf("removing staging directory %s", s.dir)
	return builderr.Storage("remove staging directory", s.dir, os.RemoveAll(s.dir))
}

// publish renames the staging directory onto 'outDir'. An empty 'outDir' is
// replaced. A non-empty one is replaced only if 'force' is true: it is first moved
// aside so that the rename of the staging directory cannot fail part way.
func (s *staging) publish(outDir string, force bool) error {
	if err := checkOutDir(outDir, force); err != nil {
		return err
	}
	aside := ""
	if _, err := os.Lstat(outDir); err == nil {
		aside = filepath.Join(filepath.Dir(outDir), "."+filepath.Base(outDir)+"-old-"+uuid.NewString())
		if err := rename(outDir, aside); err != nil {
			return builderr.Storage("move aside", outDir, err)
		}
	}
	if err := rename(s.dir, outDir); err != nil {
		err = builderr.Storage("publish", outDir, err)
		if aside != "" {
			err = multierr.Append(err, builderr.Storage("restore previous output", aside, rename(aside, outDir)))
		}
		return err
	}
	s.published = true
	// the build has succeeded at this point, a leftover previous output is only logged
	if aside != "" {
		if err := removeAll(aside); err != nil {
			log.Warnf("unable to remove previous output %s: %s", aside, err)
		}
	}
	return nil
}

// checkOutDir returns an error wrapping builderr.ErrOutputExists if 'outDir' exists
// and is not an empty directory, unless 'force' is true.
func checkOutDir(outDir string, force bool) error {
	fi, err := os.Lstat(outDir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return builderr.Storage("stat", outDir, err)
	}
	if force {
		return nil
	}
	if fi.IsDir() {
		empty, err := isEmptyDir(outDir)
		if err != nil {
			return builderr.Storage("read", outDir, err)
		}
		if empty {
			return nil
		}
	}
	return builderr.Storage("check output directory", outDir, builderr.ErrOutputExists)
}

func isEmptyDir(dir string) (bool, error) {
	f, err := os.Open(dir)
	if err != nil {
		return false, err
	}
	defer f.Close()
	_, err = f.Readdirnames(1)
	if err == io.EOF {
		return true, nil
	}
	return false, err
}
