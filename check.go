package gofat

import (
	"path"
	"sort"
)

// CheckReport is the result of a consistency scan.
type CheckReport struct {
	// CrossLinked lists clusters which belong to more than one chain.
	CrossLinked []uint32
	// Lost lists clusters which are allocated in the FAT but not reachable from any entry.
	Lost []uint32
	// SizeMismatch lists files whose size does not match the length of their chain.
	SizeMismatch []string

	FreeCached  uint32
	FreeScanned uint32
}

// OK reports whether no inconsistency was found.
func (r CheckReport) OK() bool {
	return len(r.CrossLinked) == 0 && len(r.Lost) == 0 && len(r.SizeMismatch) == 0 && r.FreeCached == r.FreeScanned
}

// Check walks the whole directory tree and compares it with the FAT. Nothing is repaired.
// Pending changes of open files are not taken into account.
func (fs *Fs) Check() (CheckReport, error) {
	if err := fs.enter(); err != nil {
		return CheckReport{}, err
	}
	defer fs.exit()

	fs.meta.RLock()
	defer fs.meta.RUnlock()

	c := checker{
		fs:    fs,
		owner: make(map[uint32]string),
		cross: make(map[uint32]struct{}),
	}

	root := fs.rootEntry()
	if root.FirstCluster != 0 {
		if _, err := c.claim("/", root.FirstCluster); err != nil {
			return CheckReport{}, err
		}
	}
	if err := c.walk("/", root); err != nil {
		return CheckReport{}, err
	}

	report := CheckReport{SizeMismatch: c.sizeMismatch}
	for cluster := range c.cross {
		report.CrossLinked = append(report.CrossLinked, cluster)
	}
	sort.Slice(report.CrossLinked, func(i, j int) bool { return report.CrossLinked[i] < report.CrossLinked[j] })

	err := fs.fat.forEachUsed(func(cluster uint32) {
		if _, ok := c.owner[cluster]; !ok {
			report.Lost = append(report.Lost, cluster)
		}
	})
	if err != nil {
		return CheckReport{}, err
	}

	if report.FreeCached, err = fs.fat.freeCount(); err != nil {
		return CheckReport{}, err
	}
	if report.FreeScanned, err = fs.fat.scanFree(); err != nil {
		return CheckReport{}, err
	}

	if !report.OK() {
		fs.log.WithField("report", report).Warn("volume is inconsistent")
	}
	return report, nil
}

type checker struct {
	fs           *Fs
	owner        map[uint32]string
	cross        map[uint32]struct{}
	sizeMismatch []string
}

// claim records the chain of p. It returns false if the chain was already claimed by someone else.
func (c *checker) claim(p string, first uint32) (bool, error) {
	chain, err := c.fs.fat.chain(first)
	if err != nil {
		return false, err
	}

	fresh := true
	for _, cluster := range chain {
		if _, ok := c.owner[cluster]; ok {
			c.cross[cluster] = struct{}{}
			fresh = false
			continue
		}
		c.owner[cluster] = p
	}
	return fresh, nil
}

func (c *checker) walk(dir string, e DirEntry) error {
	children, err := c.fs.readDirLocked(e)
	if err != nil {
		return err
	}

	clusterSize := uint64(c.fs.vol.ClusterSize())
	for _, child := range children {
		p := path.Join(dir, child.Name)
		if child.FirstCluster == 0 {
			if !child.IsDir() && child.Size != 0 {
				c.sizeMismatch = append(c.sizeMismatch, p)
			}
			continue
		}

		chainStart := len(c.owner)
		fresh, err := c.claim(p, child.FirstCluster)
		if err != nil {
			return err
		}

		if !child.IsDir() {
			claimed := uint64(len(c.owner) - chainStart)
			if fresh && claimed != (uint64(child.Size)+clusterSize-1)/clusterSize {
				c.sizeMismatch = append(c.sizeMismatch, p)
			}
			continue
		}

		// A directory sharing clusters with another chain could lead into a loop.
		if fresh {
			if err := c.walk(p, child); err != nil {
				return err
			}
		}
	}
	return nil
}
