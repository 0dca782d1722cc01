// Command bouncer-admin is the operator's toolbox for the bounce-ingest
// pipeline: spool inspection, recovery of objects stranded in
// processing/ by a crashed worker, requeueing failed/ objects for a
// retry, and a database connectivity check — the operational parity
// with the teacher's cmd/sora-admin that spec.md §8 scenario S6's
// "documented recovery procedure" calls for. Subcommands are dispatched
// the same way cmd/sora-admin dispatches its own: a plain switch over
// os.Args[1], each with its own flag.FlagSet.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/nyxmail/bouncer/config"
	"github.com/nyxmail/bouncer/spool"
	"github.com/nyxmail/bouncer/store"
)

const dbCheckTimeout = 10 * time.Second

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(64)
	}

	var err error
	switch os.Args[1] {
	case "spool-status":
		err = runSpoolStatus(os.Args[2:])
	case "spool-list":
		err = runSpoolList(os.Args[2:])
	case "spool-recover":
		err = runSpoolRecover(os.Args[2:])
	case "spool-requeue":
		err = runSpoolRequeue(os.Args[2:])
	case "db-check":
		err = runDBCheck(os.Args[2:])
	case "-h", "--help", "help":
		printUsage()
		return
	default:
		fmt.Fprintf(os.Stderr, "bouncer-admin: unknown command %q\n", os.Args[1])
		printUsage()
		os.Exit(64)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "bouncer-admin: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, `usage: bouncer-admin <command> [flags]

commands:
  spool-status  -root <dir>              print object counts per spool state
  spool-list    -root <dir> -state <s>   list object IDs in incoming|processing|failed
  spool-recover -root <dir> -id <uuid>   move a stranded processing/ object back to incoming/
  spool-requeue -root <dir> -id <uuid>   move a failed/ object back to incoming/ for retry
  db-check      -config <path>           load a daemon config and verify database connectivity`)
}

func runSpoolStatus(args []string) error {
	fs := flag.NewFlagSet("spool-status", flag.ContinueOnError)
	sp, err := openSpoolWithExtra(args, fs)
	if err != nil {
		return err
	}

	depths, err := sp.Depth()
	if err != nil {
		return err
	}
	states := make([]string, 0, len(depths))
	for state := range depths {
		states = append(states, state)
	}
	sort.Strings(states)
	for _, state := range states {
		fmt.Printf("%-10s %d\n", state, depths[state])
	}
	return nil
}

func runSpoolList(args []string) error {
	fs := flag.NewFlagSet("spool-list", flag.ContinueOnError)
	state := fs.String("state", "", "incoming|processing|failed")
	sp, err := openSpoolWithExtra(args, fs)
	if err != nil {
		return err
	}

	var ids []string
	switch *state {
	case "incoming":
		ids, err = sp.ListIncoming()
	case "processing":
		ids, err = sp.ListProcessing()
	case "failed":
		ids, err = sp.ListFailed()
	default:
		return fmt.Errorf("-state must be one of incoming, processing, failed")
	}
	if err != nil {
		return err
	}

	for _, id := range ids {
		fmt.Println(id)
	}
	return nil
}

func runSpoolRecover(args []string) error {
	fs := flag.NewFlagSet("spool-recover", flag.ContinueOnError)
	id := fs.String("id", "", "object UUID")
	sp, err := openSpoolWithExtra(args, fs)
	if err != nil {
		return err
	}
	if *id == "" {
		return fmt.Errorf("-id is required")
	}
	if err := sp.RecoverProcessing(*id); err != nil {
		return err
	}
	fmt.Printf("recovered %s: processing/ -> incoming/\n", *id)
	return nil
}

func runSpoolRequeue(args []string) error {
	fs := flag.NewFlagSet("spool-requeue", flag.ContinueOnError)
	id := fs.String("id", "", "object UUID")
	sp, err := openSpoolWithExtra(args, fs)
	if err != nil {
		return err
	}
	if *id == "" {
		return fmt.Errorf("-id is required")
	}
	if err := sp.RequeueFailed(*id); err != nil {
		return err
	}
	fmt.Printf("requeued %s: failed/ -> incoming/\n", *id)
	return nil
}

// openSpoolWithExtra parses -root alongside whatever other flags fs
// already has registered, since flag.FlagSet only supports one Parse
// call per set.
func openSpoolWithExtra(args []string, fs *flag.FlagSet) (*spool.Spool, error) {
	root := fs.String("root", "", "spool root directory")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if *root == "" {
		return nil, fmt.Errorf("-root is required")
	}
	return spool.Open(*root)
}

func runDBCheck(args []string) error {
	fs := flag.NewFlagSet("db-check", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to bouncer-daemon.toml")
	if err := fs.Parse(args); err != nil {
		return err
	}

	path := config.ResolvePath(*configPath, "BOUNCER_DAEMON_CONFIG_PATH", "bouncer-daemon")
	var cfg config.DaemonConfig
	if err := config.Load(path, &cfg); err != nil {
		return err
	}
	cfg.Normalize()

	ctx, cancel := context.WithTimeout(context.Background(), dbCheckTimeout)
	defer cancel()

	st, err := store.Open(ctx, cfg.Database, cfg.StatusMapping)
	if err != nil {
		return fmt.Errorf("database connectivity check failed: %w", err)
	}
	defer st.Close()

	fmt.Println("database connectivity: OK")
	return nil
}
