package main

import (
	"flag"
	"fmt"
	"io"
	"strconv"
	"strings"

	"gitlab.com/gitlab-org/regionkeeper/internal/branch"
	"gitlab.com/gitlab-org/regionkeeper/internal/config"
	"gitlab.com/gitlab-org/regionkeeper/internal/region"
)

const isAncestorCmdName = "is-ancestor"

type isAncestorSubcommand struct {
	w          io.Writer
	dump       string
	ancestor   string
	descendant string
	start      string
	end        string
}

func newIsAncestorSubcommand(w io.Writer) *isAncestorSubcommand {
	return &isAncestorSubcommand{w: w}
}

func (cmd *isAncestorSubcommand) FlagSet() *flag.FlagSet {
	fs := flag.NewFlagSet(isAncestorCmdName, flag.ContinueOnError)
	fs.StringVar(&cmd.dump, "dump", "", "path of the table state dump")
	fs.StringVar(&cmd.ancestor, "ancestor", "", `version as "ID@TIMESTAMP" or "zero"`)
	fs.StringVar(&cmd.descendant, "descendant", "", `version as "ID@TIMESTAMP" or "zero"`)
	fs.StringVar(&cmd.start, "start", "", "first key of the region to check")
	fs.StringVar(&cmd.end, "end", "", "key after the region to check, empty for the end of the keyspace")
	fs.Usage = func() {
		printfErr("Description:\n" +
			"	Reports whether the ancestor version precedes the descendant\n" +
			"	version on every key of the region.\n")
		fs.PrintDefaults()
	}
	return fs
}

// parseVersion parses the form Version.String returns.
func parseVersion(name, value string) (branch.Version, error) {
	switch value {
	case "":
		return branch.Zero, requiredParameterError(name)
	case "zero":
		return branch.Zero, nil
	}

	i := strings.LastIndexByte(value, '@')
	if i < 0 {
		return branch.Zero, fmt.Errorf("%s: expected ID@TIMESTAMP, got %q", name, value)
	}

	id, err := parseBranch(name, value[:i])
	if err != nil {
		return branch.Zero, err
	}

	timestamp, err := strconv.ParseUint(value[i+1:], 10, 64)
	if err != nil {
		return branch.Zero, fmt.Errorf("%s: %w", name, err)
	}

	return branch.NewVersion(id, timestamp), nil
}

func (cmd *isAncestorSubcommand) Exec(flags *flag.FlagSet, cfg config.Config) error {
	if flags.NArg() > 0 {
		return unexpectedPositionalArgsError{Command: flags.Name()}
	}

	ancestor, err := parseVersion("ancestor", cmd.ancestor)
	if err != nil {
		return err
	}

	descendant, err := parseVersion("descendant", cmd.descendant)
	if err != nil {
		return err
	}

	d, err := readDump(cmd.dump)
	if err != nil {
		return err
	}

	r := region.New(region.Key(cmd.start), region.Key(cmd.end))
	if r.IsEmpty() {
		return fmt.Errorf("region %s is empty", r)
	}

	ok, err := branch.IsAncestor(d.Branches, ancestor, descendant, r)
	if err != nil {
		return err
	}

	fmt.Fprintln(cmd.w, ok)
	return nil
}
