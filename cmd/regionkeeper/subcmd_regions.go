package main

import (
	"flag"
	"fmt"
	"io"
	"sort"

	"gitlab.com/gitlab-org/regionkeeper/internal/config"
	"gitlab.com/gitlab-org/regionkeeper/internal/contract"
	"gitlab.com/gitlab-org/regionkeeper/internal/region"
)

const regionsCmdName = "regions"

type regionsSubcommand struct {
	w      io.Writer
	dump   string
	server string
}

func newRegionsSubcommand(w io.Writer) *regionsSubcommand {
	return &regionsSubcommand{w: w}
}

func (cmd *regionsSubcommand) FlagSet() *flag.FlagSet {
	fs := flag.NewFlagSet(regionsCmdName, flag.ContinueOnError)
	fs.StringVar(&cmd.dump, "dump", "", "path of the table state dump")
	fs.StringVar(&cmd.server, "server", "", "server to list the regions of, defaults to the configured server_id")
	fs.Usage = func() {
		printfErr("Description:\n" +
			"	Lists the regions a server is responsible for and its role\n" +
			"	and latest ack in each.\n")
		fs.PrintDefaults()
	}
	return fs
}

func (cmd *regionsSubcommand) Exec(flags *flag.FlagSet, cfg config.Config) error {
	if flags.NArg() > 0 {
		return unexpectedPositionalArgsError{Command: flags.Name()}
	}

	server := contract.ServerID(cmd.server)
	if server == "" {
		server = contract.ServerID(cfg.ServerID)
	}
	if server == "" {
		return requiredParameterError("server")
	}

	d, err := readDump(cmd.dump)
	if err != nil {
		return err
	}

	acks := contract.NewAckTable()
	for _, reported := range d.Acks {
		acks.Record(reported.Contract, reported.Server, reported.Ack)
	}

	assignments := d.RegionsOf(server)
	regions := make([]region.Region, 0, len(assignments))
	for r := range assignments {
		regions = append(regions, r)
	}
	sort.Slice(regions, func(i, j int) bool { return regions[i].Less(regions[j]) })

	table := newTable(cmd.w, "Region", "Contract", "Role", "Branch", "Ack")
	for _, r := range regions {
		assignment := assignments[r]

		acked := "-"
		if ack, ok := acks.Get(assignment.ID, server); ok {
			acked = ack.String()
		}

		b := "-"
		if !assignment.Contract.Branch.IsNil() {
			b = assignment.Contract.Branch.String()
		}

		table.Append([]string{
			r.String(),
			assignment.ID.String(),
			assignment.Contract.RoleOf(server).String(),
			b,
			acked,
		})
	}
	table.Render()

	fmt.Fprintf(cmd.w, "(%d regions)\n", len(regions))
	return nil
}
