package symsrv

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/hashicorp/go-multierror"

	"github.com/grafana/symres/pkg/symmap"
)

// fileLocation is a path on the local file system.
type fileLocation string

func (l fileLocation) String() string { return string(l) }

// LocalStore resolves debug files against local directories: either laid
// out as a downstream symbol cache (<name>/<identity>/<name>) or flat. It
// implements symmap.FileHelper.
type LocalStore struct {
	logger log.Logger
	dirs   []string
}

func NewLocalStore(logger log.Logger, dirs ...string) *LocalStore {
	return &LocalStore{logger: logger, dirs: dirs}
}

// ResolveDebugFile probes every candidate path for the reference and
// returns the first that exists. When none does, the error aggregates what
// was tried.
func (s *LocalStore) ResolveDebugFile(ref symmap.DebugFileReference) (symmap.Location, error) {
	name := baseName(ref.Path)
	if name == "" {
		return nil, fmt.Errorf("debug file reference has no file name: %q", ref.Path)
	}

	var errs *multierror.Error
	for _, dir := range s.dirs {
		for _, candidate := range []string{
			filepath.Join(dir, name, ref.ID.String(), name),
			filepath.Join(dir, name),
		} {
			info, err := os.Stat(candidate)
			if err == nil && !info.IsDir() {
				level.Debug(s.logger).Log("msg", "resolved debug file", "path", candidate)
				return fileLocation(candidate), nil
			}
			if err != nil && !os.IsNotExist(err) {
				errs = multierror.Append(errs, err)
			}
		}
	}
	errs = multierror.Append(errs, notFoundError{key: name + "/" + ref.ID.String()})
	return nil, errs.ErrorOrNil()
}

func (s *LocalStore) LoadFile(_ context.Context, loc symmap.Location) ([]byte, error) {
	return os.ReadFile(loc.String())
}
