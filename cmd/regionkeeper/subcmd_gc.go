package main

import (
	"context"
	"flag"
	"fmt"
	"io"

	"gitlab.com/gitlab-org/regionkeeper/internal/branch"
	"gitlab.com/gitlab-org/regionkeeper/internal/config"
	"gitlab.com/gitlab-org/regionkeeper/internal/contract"
	"gitlab.com/gitlab-org/regionkeeper/internal/lineage"
)

const gcCmdName = "gc"

type gcSubcommand struct {
	w      io.Writer
	dump   string
	output string
}

func newGCSubcommand(w io.Writer) *gcSubcommand {
	return &gcSubcommand{w: w}
}

func (cmd *gcSubcommand) FlagSet() *flag.FlagSet {
	fs := flag.NewFlagSet(gcCmdName, flag.ContinueOnError)
	fs.StringVar(&cmd.dump, "dump", "", "path of the table state dump")
	fs.StringVar(&cmd.output, "write", "", "path to write the collected table state dump to")
	fs.Usage = func() {
		printfErr("Description:\n" +
			"	Adopts the branches primaries report and lists the branches\n" +
			"	no contract or ack depends on.\n")
		fs.PrintDefaults()
	}
	return fs
}

// dumpProposer applies proposals to a dump right away. With a path set, the
// dump is written there after every proposal.
type dumpProposer struct {
	watcher *contract.StateWatcher
	acks    *contract.AckTable
	path    string
	added   []branch.ID
	removed []branch.ID
	before  *branch.History
}

func (p *dumpProposer) ProposeBranchChanges(ctx context.Context, add *branch.History, remove []branch.ID) error {
	state := p.watcher.State()

	ledger := state.Branches.Clone()
	ledger.Merge(add)
	p.before = ledger

	p.added = append(p.added, add.IDs()...)
	p.removed = append(p.removed, remove...)
	next := contract.TableState{Contracts: state.Contracts, Branches: ledger.Without(remove)}

	if p.path != "" {
		if err := writeDump(p.path, dump{TableState: next, Acks: p.acks.Snapshot()}); err != nil {
			return fmt.Errorf("write dump: %w", err)
		}
	}

	p.watcher.Publish(next)
	return nil
}

func (cmd *gcSubcommand) Exec(flags *flag.FlagSet, cfg config.Config) error {
	if flags.NArg() > 0 {
		return unexpectedPositionalArgsError{Command: flags.Name()}
	}

	d, err := readDump(cmd.dump)
	if err != nil {
		return err
	}

	watcher := contract.NewStateWatcher(d.TableState)
	acks := contract.NewAckTable()
	for _, reported := range d.Acks {
		acks.Record(reported.Contract, reported.Server, reported.Ack)
	}

	proposer := &dumpProposer{watcher: watcher, acks: acks}
	keeper := lineage.NewKeeper(logger, watcher, acks, proposer, cfg.GC.HistogramBuckets)

	if _, err := keeper.Prune(context.Background()); err != nil {
		return err
	}

	fmt.Fprintf(cmd.w, "Adopted branches (%d):\n", len(proposer.added))
	if err := certificateTable(cmd.w, proposer.before, proposer.added); err != nil {
		return err
	}

	fmt.Fprintf(cmd.w, "Unreferenced branches (%d):\n", len(proposer.removed))
	if err := certificateTable(cmd.w, proposer.before, proposer.removed); err != nil {
		return err
	}

	if cmd.output == "" {
		return nil
	}

	return writeDump(cmd.output, dump{TableState: watcher.State(), Acks: acks.Snapshot()})
}
