package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"

	"github.com/olekukonko/tablewriter"
	"gitlab.com/gitlab-org/regionkeeper/internal/branch"
	"gitlab.com/gitlab-org/regionkeeper/internal/config"
	"gitlab.com/gitlab-org/regionkeeper/internal/contract"
)

type subcmd interface {
	FlagSet() *flag.FlagSet
	Exec(flags *flag.FlagSet, config config.Config) error
}

var subcommands = map[string]subcmd{
	gcCmdName:         newGCSubcommand(os.Stdout),
	ancestorsCmdName:  newAncestorsSubcommand(os.Stdout),
	checkCmdName:      newCheckSubcommand(os.Stdout),
	isAncestorCmdName: newIsAncestorSubcommand(os.Stdout),
	regionsCmdName:    newRegionsSubcommand(os.Stdout),
	watchCmdName:      newWatchSubcommand(os.Stdout),
}

// subCommand returns an exit code, to be fed into os.Exit.
func subCommand(conf config.Config, arg0 string, argRest []string) int {
	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)

	go func() {
		<-interrupt
		os.Exit(130) // indicates program was interrupted
	}()

	subcmd, ok := subcommands[arg0]
	if !ok {
		printfErr("%s: unknown subcommand: %q\n", progname, arg0)
		return 1
	}

	flags := subcmd.FlagSet()

	if err := flags.Parse(argRest); err != nil {
		printfErr("%s\n", err)
		return 1
	}

	if err := subcmd.Exec(flags, conf); err != nil {
		printfErr("%s\n", err)
		return 1
	}

	return 0
}

type unexpectedPositionalArgsError struct{ Command string }

func (err unexpectedPositionalArgsError) Error() string {
	return fmt.Sprintf("%s doesn't accept positional arguments", err.Command)
}

type requiredParameterError string

func (p requiredParameterError) Error() string {
	return fmt.Sprintf("%q is a required parameter", string(p))
}

// dump is the JSON form of a table state together with the acks reported for
// it.
type dump struct {
	contract.TableState
	Acks []contract.ReportedAck `json:"acks,omitempty"`
}

func readDump(path string) (dump, error) {
	if path == "" {
		return dump{}, requiredParameterError("dump")
	}

	f, err := os.Open(path)
	if err != nil {
		return dump{}, err
	}
	defer f.Close()

	var d dump
	if err := json.NewDecoder(f).Decode(&d); err != nil {
		return dump{}, fmt.Errorf("decode dump %q: %w", path, err)
	}

	if d.Contracts == nil {
		d.Contracts = make(map[contract.ID]contract.Entry)
	}

	if d.Branches == nil {
		d.Branches = branch.NewHistory()
	}

	return d, nil
}

// writeDump replaces the dump at path. Readers never observe a partially
// written dump.
func writeDump(path string, d dump) (returnedErr error) {
	f, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	defer func() {
		if returnedErr != nil {
			_ = os.Remove(f.Name())
		}
	}()

	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(d); err != nil {
		_ = f.Close()
		return err
	}

	if err := f.Close(); err != nil {
		return err
	}

	return os.Rename(f.Name(), path)
}

func parseBranch(name, value string) (branch.ID, error) {
	if value == "" {
		return branch.NilID, requiredParameterError(name)
	}

	id, err := branch.ParseID(value)
	if err != nil {
		return branch.NilID, fmt.Errorf("%s: %w", name, err)
	}

	return id, nil
}

func newTable(w io.Writer, header ...string) *tablewriter.Table {
	table := tablewriter.NewWriter(w)
	table.SetAutoFormatHeaders(false)
	table.SetAutoWrapText(false)
	table.SetHeader(header)
	return table
}

// certificateTable prints the certificates of the branches in order.
func certificateTable(w io.Writer, reader branch.Reader, ids []branch.ID) error {
	table := newTable(w, "Branch", "Region", "Initial timestamp", "Parents")
	for _, id := range ids {
		bc, err := reader.Get(id)
		if err != nil {
			return err
		}

		parents := ""
		for i, parent := range bc.Parents() {
			if i > 0 {
				parents += ", "
			}
			parents += parent.String()
		}

		table.Append([]string{id.String(), bc.Region.String(), fmt.Sprint(bc.InitialTimestamp), parents})
	}
	table.Render()

	return nil
}

func printfErr(format string, a ...interface{}) (int, error) {
	return fmt.Fprintf(os.Stderr, format, a...)
}
