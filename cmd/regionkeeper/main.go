// Command regionkeeper inspects and maintains the branch history of a table
// offline. All subcommands work on a JSON dump of the table state holding the
// contracts, the branch history and the latest acks of the servers.
//
// Collect
//
// The subcommand "gc" runs a collection pass over the dump. It adopts the
// ancestry of new branches reported by primaries and lists the branches no
// contract or ack depends on anymore:
//
//     regionkeeper -config PATH_TO_CONFIG gc -dump PATH [-write PATH]
//
// "-write" stores the dump with the collection applied.
//
// Ancestors
//
// The subcommand "ancestors" lists the birth certificates that must be copied
// into a history to make a branch and all its ancestors resolvable:
//
//     regionkeeper ancestors -dump PATH -branch ID [-base PATH] [-ignore-missing]
//
// Check
//
// The subcommand "check" verifies that the ancestry of every contract's
// branch is fully known within the contract's region:
//
//     regionkeeper check -dump PATH
//
// Is ancestor
//
// The subcommand "is-ancestor" reports whether a version precedes another on
// every key of a region:
//
//     regionkeeper is-ancestor -dump PATH -ancestor ID@TS -descendant ID@TS [-start KEY] [-end KEY]
//
// Regions
//
// The subcommand "regions" lists the role the server plays in each region:
//
//     regionkeeper -config PATH_TO_CONFIG regions -dump PATH [-server ID]
//
// Watch
//
// The subcommand "watch" keeps a dump collected. It runs a pass every
// gc.interval, writes every change back to the dump and serves the collection
// metrics on prometheus_listen_addr:
//
//     regionkeeper -config PATH_TO_CONFIG watch -dump PATH
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"gitlab.com/gitlab-org/labkit/tracing"
	"gitlab.com/gitlab-org/regionkeeper/internal/config"
	"gitlab.com/gitlab-org/regionkeeper/internal/log"
	"gitlab.com/gitlab-org/regionkeeper/internal/version"
)

var (
	flagConfig  = flag.String("config", "", "Location for the config.toml")
	flagVersion = flag.Bool("version", false, "Print version and exit")
	logger      = log.Default()

	errNoSubcommand = errors.New("a subcommand must be passed")
)

const progname = "regionkeeper"

func main() {
	flag.Usage = func() {
		cmds := make([]string, 0, len(subcommands))
		for k := range subcommands {
			cmds = append(cmds, k)
		}
		sort.Strings(cmds)

		printfErr("Usage of %s:\n", progname)
		flag.PrintDefaults()
		printfErr("  subcommand\n")
		printfErr("\tOne of %s\n", strings.Join(cmds, ", "))
	}
	flag.Parse()

	if *flagVersion {
		fmt.Println(version.GetVersionString())
		os.Exit(0)
	}

	conf, err := initConfig(*flagConfig)
	if err != nil {
		printfErr("%s: configuration error: %v\n", progname, err)
		os.Exit(1)
	}

	if err := configure(conf); err != nil {
		printfErr("%s: %v\n", progname, err)
		os.Exit(1)
	}

	args := flag.Args()
	if len(args) == 0 {
		printfErr("%s: %v\n", progname, errNoSubcommand)
		flag.Usage()
		os.Exit(2)
	}

	closer := tracing.Initialize(tracing.WithServiceName(progname))
	code := subCommand(conf, args[0], args[1:])
	if err := closer.Close(); err != nil {
		logger.WithError(err).Warn("closing tracer failed")
	}

	os.Exit(code)
}

// initConfig loads the configuration from path. Without a path the defaults
// and the environment apply.
func initConfig(path string) (config.Config, error) {
	var r io.Reader = strings.NewReader("")
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return config.Config{}, fmt.Errorf("error reading config file: %w", err)
		}
		defer f.Close()

		r = f
	}

	conf, err := config.Load(r)
	if err != nil {
		return config.Config{}, err
	}

	if err := conf.Validate(); err != nil {
		return config.Config{}, err
	}

	return conf, nil
}

func configure(conf config.Config) error {
	if err := log.Configure(log.Loggers, conf.Logging.Format, conf.Logging.Level); err != nil {
		return err
	}

	if conf.Logging.File != "" {
		if err := log.RedirectToFile(log.Loggers, conf.Logging.File); err != nil {
			return fmt.Errorf("redirect log output: %w", err)
		}
	}

	config.ConfigureSentry(logger, version.GetVersion(), conf.Sentry)
	return nil
}
