package branch

import (
	"fmt"

	"gitlab.com/gitlab-org/regionkeeper/internal/region"
)

// IsAncestor reports whether ancestor precedes or equals descendant on every
// key of r. Zero is an ancestor of every version. The walk follows birth
// certificates back from descendant, so r should lie within the region of the
// descendant's branch. An error matching ErrUnknownBranch is returned when a
// certificate on the way is missing from reader.
func IsAncestor(reader Reader, ancestor, descendant Version, r region.Region) (bool, error) {
	type pendingVersion struct {
		version Version
		region  region.Region
	}

	pending := []pendingVersion{{version: descendant, region: r}}
	for len(pending) > 0 {
		next := pending[len(pending)-1]
		pending = pending[:len(pending)-1]

		switch {
		case ancestor.IsZero():
			return true, nil
		case next.version.IsZero():
			return false, nil
		case next.version.Branch == ancestor.Branch:
			if ancestor.Timestamp > next.version.Timestamp {
				return false, nil
			}
			continue
		}

		bc, err := reader.Get(next.version.Branch)
		if err != nil {
			return false, fmt.Errorf("is ancestor: %w", err)
		}

		bc.Origin.Visit(next.region, func(sub region.Region, v Version) {
			pending = append(pending, pendingVersion{version: v, region: sub})
		})
	}

	return true, nil
}
