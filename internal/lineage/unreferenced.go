// Package lineage keeps a table's branch history minimal. The Keeper adopts
// the ancestry of branches servers report and drops branches nothing depends
// on anymore.
package lineage

import (
	"bytes"
	"fmt"
	"sort"

	"gitlab.com/gitlab-org/regionkeeper/internal/branch"
	"gitlab.com/gitlab-org/regionkeeper/internal/contract"
)

// Unreferenced returns the branches of the state's history that neither a
// contract nor an ack depends on, in a stable order.
//
// Every contract's branch and its ancestors within the contract's region are
// live. So are the branches acks report and their ancestors within the region
// of the acked contract; these are marked relative to base, the history as of
// the previous collection. Acks of contracts the state no longer holds, and
// ack branches the history does not know, are ignored.
//
// A contract naming a branch the history lacks means the history is not
// closed under the references it must serve. Nothing is collected then and an
// error matching branch.ErrUnknownBranch is returned.
func Unreferenced(state contract.TableState, acks []contract.ReportedAck, base branch.Reader) ([]branch.ID, error) {
	remove := make(map[branch.ID]struct{}, state.Branches.Len())
	for _, id := range state.Branches.IDs() {
		remove[id] = struct{}{}
	}

	for id, entry := range state.Contracts {
		b := entry.Contract.Branch
		if b.IsNil() {
			continue
		}

		if err := branch.MarkAllAncestorsLive(b, entry.Region, state.Branches, remove); err != nil {
			return nil, fmt.Errorf("contract %s: %w", id, err)
		}
	}

	for _, reported := range acks {
		entry, ok := state.Contracts[reported.Contract]
		if !ok {
			continue
		}

		for _, b := range reported.Ack.Referenced() {
			if !state.Branches.Known(b) {
				continue
			}

			if err := branch.MarkAncestorsSinceBaseLive(b, entry.Region, state.Branches, base, remove); err != nil {
				return nil, fmt.Errorf("ack of %s for contract %s: %w", reported.Server, reported.Contract, err)
			}
		}
	}

	ids := make([]branch.ID, 0, len(remove))
	for id := range remove {
		ids = append(ids, id)
	}

	sort.Slice(ids, func(i, j int) bool { return bytes.Compare(ids[i][:], ids[j][:]) < 0 })
	return ids, nil
}
