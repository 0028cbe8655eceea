package tasks

import (
	"errors"
	"io/fs"
	"os"
	"strings"
)

const (
	registeredSuffix     = "_registered.tif"
	dualRegisteredSuffix = "_dual_registered.tif"
)

// ResumeManifest is the set of names whose output already exists. It is
// rebuilt from the output directory on every scan.
type ResumeManifest map[string]struct{}

// Done reports whether name already has an output.
func (m ResumeManifest) Done(name string) bool {
	_, ok := m[name]
	return ok
}

// OutputName is the multiband output file for a group base name.
func OutputName(base string) string { return base + registeredSuffix }

// DualOutputName is the dual output file for a target file stem.
func DualOutputName(stem string) string { return stem + dualRegisteredSuffix }

// ScanOutputs lists finished multiband outputs in dir. Dual outputs are
// not counted, so a dual target sharing a group's base name leaves the group
// pending. A missing directory yields an empty manifest.
func ScanOutputs(dir string) (ResumeManifest, error) {
	return scanSuffix(dir, registeredSuffix, dualRegisteredSuffix)
}

// ScanDualOutputs lists finished dual outputs in dir, keyed by target stem.
func ScanDualOutputs(dir string) (ResumeManifest, error) {
	return scanSuffix(dir, dualRegisteredSuffix, "")
}

// scanSuffix keys every regular file ending in suffix by its stem, skipping
// names that end in exclude.
func scanSuffix(dir, suffix, exclude string) (ResumeManifest, error) {
	m := ResumeManifest{}
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return m, nil
	}
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, suffix) {
			continue
		}
		if exclude != "" && strings.HasSuffix(name, exclude) {
			continue
		}
		m[strings.TrimSuffix(name, suffix)] = struct{}{}
	}
	return m, nil
}

// Partition splits groups into those already produced and those still to
// do, preserving order.
func Partition(groups []BandGroup, m ResumeManifest) (done, todo []BandGroup) {
	for _, g := range groups {
		if m.Done(g.Base) {
			done = append(done, g)
		} else {
			todo = append(todo, g)
		}
	}
	return done, todo
}
