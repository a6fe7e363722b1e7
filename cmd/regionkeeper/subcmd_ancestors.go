package main

import (
	"flag"
	"fmt"
	"io"

	"gitlab.com/gitlab-org/regionkeeper/internal/branch"
	"gitlab.com/gitlab-org/regionkeeper/internal/config"
)

const ancestorsCmdName = "ancestors"

type ancestorsSubcommand struct {
	w             io.Writer
	dump          string
	base          string
	branch        string
	ignoreMissing bool
}

func newAncestorsSubcommand(w io.Writer) *ancestorsSubcommand {
	return &ancestorsSubcommand{w: w}
}

func (cmd *ancestorsSubcommand) FlagSet() *flag.FlagSet {
	fs := flag.NewFlagSet(ancestorsCmdName, flag.ContinueOnError)
	fs.StringVar(&cmd.dump, "dump", "", "path of the dump to read certificates from")
	fs.StringVar(&cmd.base, "base", "", "path of a dump whose branch history is already known")
	fs.StringVar(&cmd.branch, "branch", "", "ID of the branch to copy")
	fs.BoolVar(&cmd.ignoreMissing, "ignore-missing", false, "skip branches the dump has no certificate for")
	fs.Usage = func() {
		printfErr("Description:\n" +
			"	Lists the certificates to copy to make a branch and its\n" +
			"	ancestors resolvable on top of the base history.\n")
		fs.PrintDefaults()
	}
	return fs
}

func (cmd *ancestorsSubcommand) Exec(flags *flag.FlagSet, cfg config.Config) error {
	if flags.NArg() > 0 {
		return unexpectedPositionalArgsError{Command: flags.Name()}
	}

	root, err := parseBranch("branch", cmd.branch)
	if err != nil {
		return err
	}

	source, err := readDump(cmd.dump)
	if err != nil {
		return err
	}

	base := branch.NewHistory()
	if cmd.base != "" {
		d, err := readDump(cmd.base)
		if err != nil {
			return err
		}
		base = d.Branches
	}

	staged := branch.NewHistory()
	missing, err := branch.CopyAncestorsInto(root, source.Branches, base, cmd.ignoreMissing, staged)
	if err != nil {
		return err
	}

	if err := certificateTable(cmd.w, staged, staged.IDs()); err != nil {
		return err
	}

	fmt.Fprintf(cmd.w, "(%d certificates to copy)\n", staged.Len())
	for _, id := range missing {
		fmt.Fprintf(cmd.w, "missing certificate: %s\n", id)
	}

	return nil
}
