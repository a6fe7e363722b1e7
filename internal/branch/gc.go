package branch

import (
	"errors"
	"fmt"

	"gitlab.com/gitlab-org/regionkeeper/internal/region"
)

// CopyAncestorsInto stages into out the birth certificates needed to make root
// and all of its ancestors resolvable on top of base. Branches already known to
// base or already staged in out are neither copied nor descended into, so the
// staged set is the minimal closure and repeated calls are idempotent.
//
// Certificates are read from source. If source lacks one, the behavior depends
// on ignoreMissing: when set the branch is skipped together with the ancestors
// only reachable through it and its ID is returned among the missing branches;
// otherwise an error matching ErrUnknownBranch is returned and out is left
// untouched.
func CopyAncestorsInto(root ID, source, base Reader, ignoreMissing bool, out *History) ([]ID, error) {
	if root.IsNil() || base.Known(root) || out.Known(root) {
		return nil, nil
	}

	var missing []ID
	staged := NewHistory()
	queued := map[ID]struct{}{root: {}}
	queue := []ID{root}

	for len(queue) > 0 {
		next := queue[0]
		queue = queue[1:]

		bc, err := source.Get(next)
		if err != nil {
			if ignoreMissing && errors.Is(err, ErrUnknownBranch) {
				missing = append(missing, next)
				continue
			}

			return nil, fmt.Errorf("copy ancestors of %s: %w", root, err)
		}

		staged.Insert(next, bc)

		for _, parent := range bc.Parents() {
			if base.Known(parent) || out.Known(parent) {
				continue
			}

			if _, ok := queued[parent]; ok {
				continue
			}

			queued[parent] = struct{}{}
			queue = append(queue, parent)
		}
	}

	out.Merge(staged)
	return missing, nil
}

type pendingBranch struct {
	id     ID
	region region.Region
}

// MarkAllAncestorsLive removes from remove every branch reachable from root
// within r, root included. Only branches known to reader are followed. Each
// branch is expanded once, for the first sub-region it is reached through.
//
// root must not be the nil branch.
func MarkAllAncestorsLive(root ID, r region.Region, reader Reader, remove map[ID]struct{}) error {
	return markLive(root, r, reader, nil, remove)
}

// MarkAncestorsSinceBaseLive behaves like MarkAllAncestorsLive but does not
// descend from a branch that base already knows into a parent that base does
// not know. base is the history as of a previous collection, so the liveness
// of whatever lies behind such an edge was settled by that collection. With an
// empty base the two functions are identical.
//
// root must not be the nil branch.
func MarkAncestorsSinceBaseLive(root ID, r region.Region, reader, base Reader, remove map[ID]struct{}) error {
	return markLive(root, r, reader, base, remove)
}

func markLive(root ID, r region.Region, reader, base Reader, remove map[ID]struct{}) error {
	pending := []pendingBranch{{id: root, region: r}}
	done := make(map[ID]struct{})

	for len(pending) > 0 {
		next := pending[len(pending)-1]
		pending = pending[:len(pending)-1]

		if _, ok := done[next.id]; ok {
			continue
		}
		done[next.id] = struct{}{}
		delete(remove, next.id)

		bc, err := reader.Get(next.id)
		if err != nil {
			return fmt.Errorf("mark ancestors of %s live: %w", root, err)
		}

		nextInBase := base != nil && base.Known(next.id)
		bc.Origin.Visit(next.region, func(sub region.Region, v Version) {
			if v.IsZero() || !reader.Known(v.Branch) {
				return
			}

			if _, ok := done[v.Branch]; ok {
				return
			}

			if nextInBase && !base.Known(v.Branch) {
				return
			}

			pending = append(pending, pendingBranch{id: v.Branch, region: sub})
		})
	}

	return nil
}

// CheckClosure returns the branches reachable from root within r that reader
// does not know, in the order they were found. An empty result means every
// ancestor of root within r is resolvable.
func CheckClosure(root ID, r region.Region, reader Reader) []ID {
	if root.IsNil() {
		return nil
	}

	var missing []ID
	pending := []pendingBranch{{id: root, region: r}}
	done := make(map[ID]struct{})

	for len(pending) > 0 {
		next := pending[0]
		pending = pending[1:]

		if _, ok := done[next.id]; ok {
			continue
		}
		done[next.id] = struct{}{}

		bc, err := reader.Get(next.id)
		if err != nil {
			missing = append(missing, next.id)
			continue
		}

		bc.Origin.Visit(next.region, func(sub region.Region, v Version) {
			if v.IsZero() {
				return
			}

			if _, ok := done[v.Branch]; !ok {
				pending = append(pending, pendingBranch{id: v.Branch, region: sub})
			}
		})
	}

	return missing
}
