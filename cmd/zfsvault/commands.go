package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"strings"

	"github.com/runningman84/zfsvault/pkg/config"
	"github.com/runningman84/zfsvault/pkg/operator"
	"github.com/runningman84/zfsvault/pkg/transfer"
	"github.com/runningman84/zfsvault/pkg/zfs"
)

// app holds everything a subcommand needs
type app struct {
	config   *config.Config
	manager  *zfs.Manager
	pipeline *transfer.Pipeline
	operator *operator.Operator
	stdin    io.Reader
	stdout   io.Writer
}

type command struct {
	usage   string
	minArgs int
	maxArgs int // -1 for unlimited
	force   bool
	run     func(ctx context.Context, a *app, args []string, force bool) error
}

var commandOrder = []string{
	"list", "status", "create", "load-key", "mount", "unmount", "destroy",
	"snapshot", "send", "receive-file", "clone", "push", "pull",
	"provision", "archive", "restore", "teardown",
}

var commands = map[string]command{
	"list": {
		usage: "[prefix]  list datasets, optionally under prefix", maxArgs: 1,
		run: func(ctx context.Context, a *app, args []string, _ bool) error {
			prefix := ""
			if len(args) == 1 {
				prefix = args[0]
			}
			names, err := a.manager.ListDatasets(ctx, prefix)
			if err != nil {
				return err
			}
			for _, name := range names {
				fmt.Fprintln(a.stdout, name)
			}
			return nil
		},
	},
	"status": {
		usage: "<dataset>  print dataset status", minArgs: 1, maxArgs: 1,
		run: func(ctx context.Context, a *app, args []string, _ bool) error {
			status, err := a.manager.GetStatus(ctx, args[0])
			if err != nil {
				return err
			}
			return a.print(status)
		},
	},
	"create": {
		usage: "<dataset> <mountpoint> <quota>  create an encrypted dataset", minArgs: 3, maxArgs: 3,
		run: func(ctx context.Context, a *app, args []string, _ bool) error {
			passphrase, err := readPassphrase(a.stdin)
			if err != nil {
				return err
			}
			status, err := a.manager.CreateDataset(ctx, args[0], args[1], passphrase, args[2])
			if err != nil {
				return err
			}
			return a.print(status)
		},
	},
	"load-key": {
		usage: "<dataset>  load the encryption key", minArgs: 1, maxArgs: 1,
		run: func(ctx context.Context, a *app, args []string, _ bool) error {
			passphrase, err := readPassphrase(a.stdin)
			if err != nil {
				return err
			}
			return a.manager.LoadKey(ctx, args[0], passphrase)
		},
	},
	"mount": {
		usage: "<dataset>  mount a dataset", minArgs: 1, maxArgs: 1,
		run: func(ctx context.Context, a *app, args []string, _ bool) error {
			return a.manager.Mount(ctx, args[0])
		},
	},
	"unmount": {
		usage: "[-f] <dataset>  unmount a dataset", minArgs: 1, maxArgs: 1, force: true,
		run: func(ctx context.Context, a *app, args []string, force bool) error {
			return a.manager.Unmount(ctx, args[0], force)
		},
	},
	"destroy": {
		usage: "[-f] <dataset>  destroy a dataset recursively", minArgs: 1, maxArgs: 1, force: true,
		run: func(ctx context.Context, a *app, args []string, force bool) error {
			return a.manager.Destroy(ctx, args[0], force)
		},
	},
	"snapshot": {
		usage: "<dataset> <name>  create dataset@name", minArgs: 2, maxArgs: 2,
		run: func(ctx context.Context, a *app, args []string, _ bool) error {
			snap, err := a.pipeline.CreateSnapshot(ctx, args[0], args[1]).Wait(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintln(a.stdout, snap)
			return nil
		},
	},
	"send": {
		usage: "<snapshot> <file>  write a send stream to file (.zst compresses)", minArgs: 2, maxArgs: 2,
		run: func(ctx context.Context, a *app, args []string, _ bool) error {
			path, err := a.pipeline.SendSnapshotToFile(ctx, args[0], args[1]).Wait(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintln(a.stdout, path)
			return nil
		},
	},
	"receive-file": {
		usage: "<file> <dataset>  receive a stream written by send", minArgs: 2, maxArgs: 2,
		run: func(ctx context.Context, a *app, args []string, _ bool) error {
			status, err := a.pipeline.ReceiveDatasetFromFile(ctx, args[0], args[1]).Wait(ctx)
			if err != nil {
				return err
			}
			return a.print(status)
		},
	},
	"clone": {
		usage: "<snapshot> <dataset> <quota>  clone a snapshot", minArgs: 3, maxArgs: 3,
		run: func(ctx context.Context, a *app, args []string, _ bool) error {
			name, err := a.pipeline.CloneFromSnapshot(ctx, args[0], args[1], args[2]).Wait(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintln(a.stdout, name)
			return nil
		},
	},
	"push": {
		usage: "<snapshot>  send a snapshot to IPFS and print its CID", minArgs: 1, maxArgs: 1,
		run: func(ctx context.Context, a *app, args []string, _ bool) error {
			cid, err := a.pipeline.SendSnapshotToIPFS(ctx, args[0]).Wait(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintln(a.stdout, cid)
			return nil
		},
	},
	"pull": {
		usage: "<cid> <dataset>  receive a dataset from IPFS", minArgs: 2, maxArgs: 2,
		run: func(ctx context.Context, a *app, args []string, _ bool) error {
			status, err := a.pipeline.ReceiveDatasetFromIPFS(ctx, args[0], args[1]).Wait(ctx)
			if err != nil {
				return err
			}
			return a.print(status)
		},
	},
	"provision": {
		usage: "<dataset> <mountpoint> <quota>  create if needed, load key and mount", minArgs: 3, maxArgs: 3,
		run: func(ctx context.Context, a *app, args []string, _ bool) error {
			passphrase, err := readPassphrase(a.stdin)
			if err != nil {
				return err
			}
			status, err := a.operator.Provision(ctx, args[0], args[1], passphrase, args[2])
			if err != nil {
				return err
			}
			return a.print(status)
		},
	},
	"archive": {
		usage: "<dataset>...  snapshot datasets and push them to IPFS", minArgs: 1, maxArgs: -1,
		run: func(ctx context.Context, a *app, args []string, _ bool) error {
			records, err := a.operator.Archive(ctx, args...)
			if printErr := a.print(records); printErr != nil && err == nil {
				return printErr
			}
			return err
		},
	},
	"restore": {
		usage: "<cid> <dataset>  receive from IPFS, load key and mount", minArgs: 2, maxArgs: 2,
		run: func(ctx context.Context, a *app, args []string, _ bool) error {
			passphrase, err := readPassphrase(a.stdin)
			if err != nil {
				return err
			}
			status, err := a.operator.Restore(ctx, args[0], args[1], passphrase)
			if err != nil {
				return err
			}
			return a.print(status)
		},
	},
	"teardown": {
		usage: "<dataset>  unmount and destroy, ignoring state errors", minArgs: 1, maxArgs: 1,
		run: func(ctx context.Context, a *app, args []string, _ bool) error {
			return a.operator.Teardown(ctx, args[0])
		},
	},
}

// run parses the subcommand's own flags and arguments and executes it
func (a *app) run(ctx context.Context, cmd command, args []string) error {
	fs := flag.NewFlagSet("zfsvault", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	force := false
	if cmd.force {
		fs.BoolVar(&force, "f", false, "ignore failures")
	}
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("usage: %s: %w", cmd.usage, err)
	}

	rest := fs.Args()
	if len(rest) < cmd.minArgs || (cmd.maxArgs >= 0 && len(rest) > cmd.maxArgs) {
		return fmt.Errorf("usage: %s", cmd.usage)
	}
	return cmd.run(ctx, a, rest, force)
}

func (a *app) print(v interface{}) error {
	enc := json.NewEncoder(a.stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// readPassphrase returns the first line of r without its line ending
func readPassphrase(r io.Reader) (string, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("failed to read passphrase: %w", err)
	}
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return "", errors.New("no passphrase on stdin")
	}
	return line, nil
}
