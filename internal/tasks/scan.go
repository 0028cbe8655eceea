package tasks

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"

	"github.com/samber/lo"

	"bandalign/internal/fsutil"
)

// bandFile matches IMG_<digits>_<band>.tif; the band number is unpadded.
var bandFile = regexp.MustCompile(`^(IMG_\d+)_(\d+)\.(?i:tiff?)$`)

// ScanResult splits discovered captures into complete and incomplete groups.
type ScanResult struct {
	Groups     []BandGroup
	Incomplete []BandGroup
}

// Scan discovers band groups. A file input selects the group it belongs to;
// a directory input lists every group directly inside it. reference is the
// 1-based reference band assigned to complete groups.
func Scan(input string, reference int) (ScanResult, error) {
	st, err := os.Stat(input)
	if err != nil {
		return ScanResult{}, err
	}

	dir, only := input, ""
	if !st.IsDir() {
		m := bandFile.FindStringSubmatch(filepath.Base(input))
		if m == nil {
			return ScanResult{}, fmt.Errorf("%s does not follow the IMG_<n>_<band>.tif naming", input)
		}
		dir, only = filepath.Dir(input), m[1]
	}

	files, err := fsutil.ListRasters(dir, false)
	if err != nil {
		return ScanResult{}, err
	}

	byBase := map[string]map[int][]string{}
	for _, f := range files {
		m := bandFile.FindStringSubmatch(filepath.Base(f))
		if m == nil || (only != "" && m[1] != only) {
			continue
		}
		n, err := strconv.Atoi(m[2])
		if err != nil {
			continue
		}
		if byBase[m[1]] == nil {
			byBase[m[1]] = map[int][]string{}
		}
		byBase[m[1]][n] = append(byBase[m[1]][n], f)
	}

	var res ScanResult
	bases := lo.Keys(byBase)
	sort.Strings(bases)
	for _, base := range bases {
		g, complete := assemble(base, byBase[base], reference)
		if complete {
			res.Groups = append(res.Groups, g)
		} else {
			res.Incomplete = append(res.Incomplete, g)
		}
	}
	return res, nil
}

// assemble orders a group's files by band number. The group is complete
// when the band numbers are exactly 1..BandsPerGroup, each present once.
func assemble(base string, bands map[int][]string, reference int) (BandGroup, bool) {
	nums := lo.Keys(bands)
	sort.Ints(nums)

	g := BandGroup{Base: base, Reference: reference - 1}
	complete := len(nums) == BandsPerGroup
	for i, n := range nums {
		paths := bands[n]
		sort.Strings(paths)
		g.Paths = append(g.Paths, paths...)
		if n != i+1 || len(paths) != 1 {
			complete = false
		}
	}
	return g, complete
}
