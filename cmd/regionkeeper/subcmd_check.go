package main

import (
	"bytes"
	"errors"
	"flag"
	"fmt"
	"io"
	"sort"
	"strings"

	"gitlab.com/gitlab-org/regionkeeper/internal/branch"
	"gitlab.com/gitlab-org/regionkeeper/internal/config"
	"gitlab.com/gitlab-org/regionkeeper/internal/contract"
)

const checkCmdName = "check"

var errIncompleteAncestry = errors.New("contracts depend on unknown branches")

type checkSubcommand struct {
	w    io.Writer
	dump string
}

func newCheckSubcommand(w io.Writer) *checkSubcommand {
	return &checkSubcommand{w: w}
}

func (cmd *checkSubcommand) FlagSet() *flag.FlagSet {
	fs := flag.NewFlagSet(checkCmdName, flag.ContinueOnError)
	fs.StringVar(&cmd.dump, "dump", "", "path of the table state dump")
	fs.Usage = func() {
		printfErr("Description:\n" +
			"	Checks that the branch history resolves the ancestry of every\n" +
			"	contract's branch within the contract's region.\n")
		fs.PrintDefaults()
	}
	return fs
}

func (cmd *checkSubcommand) Exec(flags *flag.FlagSet, cfg config.Config) error {
	if flags.NArg() > 0 {
		return unexpectedPositionalArgsError{Command: flags.Name()}
	}

	d, err := readDump(cmd.dump)
	if err != nil {
		return err
	}

	ids := make([]contract.ID, 0, len(d.Contracts))
	for id := range d.Contracts {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return bytes.Compare(ids[i][:], ids[j][:]) < 0 })

	table := newTable(cmd.w, "Contract", "Region", "Branch", "Missing")
	var failed int
	for _, id := range ids {
		entry := d.Contracts[id]
		if entry.Contract.Branch.IsNil() {
			continue
		}

		missing := branch.CheckClosure(entry.Contract.Branch, entry.Region, d.Branches)
		if len(missing) == 0 {
			continue
		}
		failed++

		names := make([]string, len(missing))
		for i, m := range missing {
			names[i] = m.String()
		}

		table.Append([]string{id.String(), entry.Region.String(), entry.Contract.Branch.String(), strings.Join(names, ", ")})
	}

	if failed == 0 {
		fmt.Fprintf(cmd.w, "All %d contracts resolve their branch ancestry.\n", len(ids))
		return nil
	}

	table.Render()
	return fmt.Errorf("%d of %d %w", failed, len(ids), errIncompleteAncestry)
}
