// Copyright (c) 2016 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io/ioutil"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/codegangsta/cli"
	shlex "github.com/flynn-archive/go-shlex"
	"github.com/peterh/liner"

	log "github.com/golang/glog"
	"github.com/westerndigitalcorporation/bsdb/client/bsdb"
	"github.com/westerndigitalcorporation/bsdb/internal/db"
	"github.com/westerndigitalcorporation/bsdb/pkg/failures"
)

var usage = `
	bsdbcli is a tool to interact with a running bsdb server and to manage
	data files.

	You can use bsdbcli in two modes: either issue one command to a given server
	or start a command line interpreter to issue commands interactively. You can
	issue just one command by typing something like:

		bsdbcli [--addr <host:port>] [(--setup <setup-commands>)...] <subcommand> [<flags>...]

	Alternatively, you can start a command line interpreter by typing:

		bsdbcli [--addr <host:port>] shell

	Fields are given as name=value pairs, quoted as in a shell:

		add name="Smith & Sons" location=Dublin specialties=Roofing
	`

// dbCli lets users look up, book and edit contractor records on a server,
// and create or restore data files locally.
type dbCli struct {
	// the client we'll use to talk to the server.
	clt *bsdb.Client
	// Cache key to know when we can reuse clt.
	cltCacheKey string
	// the command line framework we'll use to launch commands.
	app *cli.App
}

// newDbCli creates a new dbCli object.
func newDbCli() *dbCli {
	b := &dbCli{}
	app := cli.NewApp()
	app.Name = "bsdbcli"

	app.Usage = usage
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "addr, a",
			Usage: "host:port of the server",
			Value: "localhost:4322",
		},
		cli.StringSliceFlag{
			Name:  "setup",
			Usage: "Commands to run before doing anything else",
		},
	}

	nameFlag := cli.StringFlag{
		Name:  "name, n",
		Usage: "prefix of the contractor name, case insensitive",
	}
	locationFlag := cli.StringFlag{
		Name:  "location, l",
		Usage: "prefix of the contractor location, case insensitive",
	}

	app.Commands = []cli.Command{
		{
			Name:   "ls",
			Usage:  "Lists all records, deleted ones included.",
			Action: b.cmdList,
		},
		{
			Name:    "find",
			Aliases: []string{"f"},
			Usage:   "Finds live records by name and location prefixes.",
			Flags:   []cli.Flag{nameFlag, locationFlag},
			Action:  b.cmdFind,
		},
		{
			Name:      "read",
			Aliases:   []string{"r"},
			Usage:     "Prints a record.",
			ArgsUsage: "<record>",
			Action:    b.cmdRead,
		},
		{
			Name:      "book",
			Usage:     "Books a record for a customer.",
			ArgsUsage: "<record> <customer>",
			Action:    b.cmdBook,
		},
		{
			Name:      "unbook",
			Usage:     "Clears the owner of a record.",
			ArgsUsage: "<record>",
			Action:    b.cmdUnbook,
		},
		{
			Name:      "add",
			Aliases:   []string{"create"},
			Usage:     "Adds a record.",
			ArgsUsage: "<field>=<value> ...",
			Action:    b.cmdAdd,
		},
		{
			Name:      "update",
			Usage:     "Locks a record, overwrites fields and unlocks it.",
			ArgsUsage: "<record> <field>=<value> ...",
			Action:    b.cmdUpdate,
		},
		{
			Name:      "rm",
			Aliases:   []string{"delete"},
			Usage:     "Deletes a record.",
			ArgsUsage: "<record>",
			Action:    b.cmdRm,
		},
		{
			Name:      "history",
			Aliases:   []string{"journal"},
			Usage:     "Prints the booking history of a record.",
			ArgsUsage: "<record>",
			Action:    b.cmdHistory,
		},
		{
			Name:      "backup",
			Usage:     "Makes the server write a snapshot of its data file.",
			ArgsUsage: "<path on the server host>",
			Action:    b.cmdBackup,
		},
		{
			Name:      "restore",
			Usage:     "Turns a snapshot into a data file. Runs locally, the server must be stopped.",
			ArgsUsage: "<snapshot> <data file>",
			Action:    b.cmdRestore,
		},
		{
			Name:      "mkdb",
			Usage:     "Creates an empty data file with the contractor schema. Runs locally.",
			ArgsUsage: "<data file>",
			Action:    b.cmdMkdb,
		},
		{
			Name:      "readonly",
			Usage:     "Prints or sets the read-only mode of the server.",
			ArgsUsage: "[true|false]",
			Action:    b.cmdReadOnly,
		},
		{
			Name:   "fget",
			Usage:  "Returns the failure configuration of the server.",
			Action: b.cmdFailureConfigGet,
		},
		{
			Name:      "fset",
			Usage:     "Replaces the failure configuration of the server.",
			ArgsUsage: "<key1> <value1> <key2> <value2> ...",
			Description: `
Replaces the failure configuration of the server with the given key-value pairs,
the keys that are missing are reset to null. Values are JSON, for example:

	fset ops '{"Book": 6}'`,
			Action: b.cmdFailureConfigSet,
		},
		{
			Name:   "shell",
			Usage:  "Starts a command line interpreter.",
			Action: b.cmdShell,
		},
	}
	app.Before = b.beforeSubcommandRun
	b.app = app

	// By default 'HelpName' will be the parent command name + command name.
	// Overwrite 'HelpName' to be command name only.
	for i := range b.app.Commands {
		b.app.Commands[i].HelpName = b.app.Commands[i].Name
	}
	return b
}

// run starts a command specified by users.
func (b *dbCli) run(args []string) error {
	return b.app.Run(args)
}

// stop frees up all resource used by the dbCli object.
func (b *dbCli) stop() {
	if b.clt != nil {
		b.clt.Close()
		b.clt = nil
	}
}

// getClient returns the client for the server in --addr, reusing the last
// one if the address didn't change.
func (b *dbCli) getClient(c *cli.Context) *bsdb.Client {
	addr := c.GlobalString("addr")
	if b.clt != nil && b.cltCacheKey == addr {
		return b.clt
	}
	if b.clt != nil {
		b.clt.Close()
	}
	b.clt = bsdb.NewClient(bsdb.Options{Addr: addr, RetryTimeout: 10 * time.Second})
	b.cltCacheKey = addr
	return b.clt
}

// This function will be called before any subcommand gets started so some setup
// can be done here.
func (b *dbCli) beforeSubcommandRun(c *cli.Context) error {
	commands := c.GlobalStringSlice("setup")
	if len(commands) != 0 {
		log.Infof("Running setup commands...")
		for _, command := range commands {
			log.Infof("Running command %q", command)
			args, err := shlex.Split(command)
			if err != nil {
				return err
			}
			if err := b.runCommand(c, args...); err != nil {
				log.Errorf("error: %v", err)
				return err
			}
		}
		log.Infof("Setup is done!")
	}
	return nil
}

// usageError prints the help of the current command.
func (b *dbCli) usageError(c *cli.Context) {
	b.app.Run([]string{"cli", c.Command.Name, "-h"})
}

// recordArg parses the i-th argument as a record number.
func recordArg(c *cli.Context, i int) (bsdb.RecordNo, bool) {
	no, err := strconv.ParseInt(c.Args().Get(i), 10, 64)
	if err != nil || no < 0 {
		log.Errorf("Invalid record number %q", c.Args().Get(i))
		return 0, false
	}
	return bsdb.RecordNo(no), true
}

// parseFields parses name=value pairs.
func parseFields(args []string) ([]bsdb.Field, error) {
	fields := make([]bsdb.Field, 0, len(args))
	for _, arg := range args {
		i := strings.IndexByte(arg, '=')
		if i <= 0 {
			return nil, fmt.Errorf("%q is not a field=value pair", arg)
		}
		fields = append(fields, bsdb.Field{Name: arg[:i], Value: arg[i+1:]})
	}
	return fields, nil
}

func formatRecord(rec bsdb.Record) string {
	parts := make([]string, 0, len(rec.Fields))
	for _, f := range rec.Fields {
		parts = append(parts, fmt.Sprintf("%s=%q", f.Name, f.Value))
	}
	flag := ' '
	if rec.Deleted {
		flag = 'D'
	}
	return fmt.Sprintf("%5d %c %s", rec.No, flag, strings.Join(parts, " "))
}

// cmdList implements the "ls" command.
func (b *dbCli) cmdList(c *cli.Context) {
	recs, err := b.getClient(c).GetAll(context.Background())
	if err != nil {
		log.Errorf("Error: %s", err)
		return
	}
	for _, rec := range recs {
		log.Infof("%s", formatRecord(rec))
	}
}

// cmdFind implements the "find" command.
func (b *dbCli) cmdFind(c *cli.Context) {
	recs, err := b.getClient(c).Search(context.Background(), c.String("name"), c.String("location"))
	if err != nil {
		log.Errorf("Error: %s", err)
		return
	}
	for _, rec := range recs {
		log.Infof("%s", formatRecord(rec))
	}
	log.Infof("%d found", len(recs))
}

// cmdRead implements the "read" command.
func (b *dbCli) cmdRead(c *cli.Context) {
	if len(c.Args()) != 1 {
		b.usageError(c)
		return
	}
	no, ok := recordArg(c, 0)
	if !ok {
		return
	}
	rec, err := b.getClient(c).Read(context.Background(), no)
	if err != nil {
		log.Errorf("Error: %s", err)
		return
	}
	log.Infof("%s", formatRecord(rec))
}

// cmdBook implements the "book" command.
func (b *dbCli) cmdBook(c *cli.Context) {
	if len(c.Args()) != 2 {
		b.usageError(c)
		return
	}
	no, ok := recordArg(c, 0)
	if !ok {
		return
	}
	customer, err := strconv.ParseInt(c.Args().Get(1), 10, 64)
	if err != nil {
		log.Errorf("Invalid customer id %q", c.Args().Get(1))
		return
	}
	done, err := b.getClient(c).Book(context.Background(), no, customer)
	switch {
	case err != nil:
		log.Errorf("Error: %s", err)
	case !done:
		log.Infof("Record %d is already booked", no)
	default:
		log.Infof("Record %d booked for %d", no, customer)
	}
}

// cmdUnbook implements the "unbook" command.
func (b *dbCli) cmdUnbook(c *cli.Context) {
	if len(c.Args()) != 1 {
		b.usageError(c)
		return
	}
	no, ok := recordArg(c, 0)
	if !ok {
		return
	}
	done, err := b.getClient(c).Unbook(context.Background(), no)
	switch {
	case err != nil:
		log.Errorf("Error: %s", err)
	case !done:
		log.Infof("Record %d isn't booked", no)
	default:
		log.Infof("Record %d unbooked", no)
	}
}

// cmdAdd implements the "add" command.
func (b *dbCli) cmdAdd(c *cli.Context) {
	fields, err := parseFields(c.Args())
	if err != nil || len(fields) == 0 {
		b.usageError(c)
		return
	}
	no, err := b.getClient(c).Create(context.Background(), fields)
	if err != nil {
		log.Errorf("Couldn't add record: %s", err)
		return
	}
	log.Infof("New record: %d", no)
}

// cmdUpdate implements the "update" command.
func (b *dbCli) cmdUpdate(c *cli.Context) {
	if len(c.Args()) < 2 {
		b.usageError(c)
		return
	}
	no, ok := recordArg(c, 0)
	if !ok {
		return
	}
	fields, err := parseFields(c.Args().Tail())
	if err != nil {
		log.Errorf("Error: %s", err)
		return
	}

	ctx := context.Background()
	clt := b.getClient(c)
	cookie, err := clt.Lock(ctx, no)
	if err != nil {
		log.Errorf("Couldn't lock record %d: %s", no, err)
		return
	}
	defer func() {
		if err := clt.Unlock(ctx, no, cookie); err != nil {
			log.Errorf("Couldn't unlock record %d: %s", no, err)
		}
	}()
	if err := clt.Update(ctx, no, fields, cookie); err != nil {
		log.Errorf("Couldn't update record %d: %s", no, err)
		return
	}
	log.Infof("Record %d updated", no)
}

// cmdRm implements the "rm" command.
func (b *dbCli) cmdRm(c *cli.Context) {
	if len(c.Args()) != 1 {
		b.usageError(c)
		return
	}
	no, ok := recordArg(c, 0)
	if !ok {
		return
	}
	if err := b.getClient(c).DeleteContractor(context.Background(), no); err != nil {
		log.Errorf("Error: %s", err)
		return
	}
	log.Infof("Record %d deleted", no)
}

// cmdHistory implements the "history" command.
func (b *dbCli) cmdHistory(c *cli.Context) {
	if len(c.Args()) != 1 {
		b.usageError(c)
		return
	}
	no, ok := recordArg(c, 0)
	if !ok {
		return
	}
	evs, err := b.getClient(c).History(context.Background(), no)
	if err != nil {
		log.Errorf("Error: %s", err)
		return
	}
	for _, ev := range evs {
		log.Infof("%6d %s %-7s %s", ev.Seq, ev.Time.Format(time.RFC3339), ev.Kind, ev.Customer)
	}
}

// cmdBackup implements the "backup" command.
func (b *dbCli) cmdBackup(c *cli.Context) {
	if len(c.Args()) != 1 {
		b.usageError(c)
		return
	}
	size, err := b.getClient(c).Backup(context.Background(), c.Args().First())
	if err != nil {
		log.Errorf("Backup failed: %s", err)
		return
	}
	log.Infof("Wrote %d bytes to %s", size, c.Args().First())
}

// cmdRestore implements the "restore" command.
func (b *dbCli) cmdRestore(c *cli.Context) {
	if len(c.Args()) != 2 {
		b.usageError(c)
		return
	}
	if err := db.RestoreBackup(c.Args().Get(0), c.Args().Get(1)); err != nil {
		log.Errorf("Restore failed: %s", err)
		return
	}
	log.Infof("Restored %s", c.Args().Get(1))
}

// cmdMkdb implements the "mkdb" command.
func (b *dbCli) cmdMkdb(c *cli.Context) {
	if len(c.Args()) != 1 {
		b.usageError(c)
		return
	}
	if err := db.CreateFile(c.Args().First(), db.ContractorSchema()); err != nil {
		log.Errorf("Couldn't create %s: %s", c.Args().First(), err)
		return
	}
	log.Infof("Created %s", c.Args().First())
}

// cmdReadOnly implements the "readonly" command.
func (b *dbCli) cmdReadOnly(c *cli.Context) {
	url := "http://" + c.GlobalString("addr") + "/readonly"
	var resp *http.Response
	var err error
	switch c.Args().First() {
	case "":
		resp, err = http.Get(url)
	case "true", "false":
		resp, err = http.Post(url+"?mode="+c.Args().First(), "text/plain", nil)
	default:
		b.usageError(c)
		return
	}
	if err != nil {
		log.Errorf("Error: %s", err)
		return
	}
	defer resp.Body.Close()
	body, _ := ioutil.ReadAll(resp.Body)
	log.Infof("%s", strings.TrimSpace(string(body)))
}

// cmdFailureConfigGet implements "fget" subcommand.
func (b *dbCli) cmdFailureConfigGet(c *cli.Context) {
	resp, err := http.Get("http://" + c.GlobalString("addr") + failures.DefaultPath)
	if err != nil {
		log.Errorf("Failed to get failure config: %v", err)
		return
	}
	defer resp.Body.Close()
	body, _ := ioutil.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		log.Errorf("Failed to get failure config: %s", strings.TrimSpace(string(body)))
		return
	}
	log.Infof("%s", string(body))
}

// cmdFailureConfigSet implements "fset" subcommand.
func (b *dbCli) cmdFailureConfigSet(c *cli.Context) {
	kvs := c.Args()
	if len(kvs)%2 != 0 {
		b.usageError(c)
		return
	}
	config := make(map[string]json.RawMessage)
	for i := 0; i < len(kvs); i += 2 {
		config[kvs[i]] = json.RawMessage(kvs[i+1])
	}
	data, err := json.Marshal(config)
	if err != nil {
		log.Errorf("Failed to encode failure config: %v", err)
		return
	}
	resp, err := http.Post("http://"+c.GlobalString("addr")+failures.DefaultPath, "application/json", strings.NewReader(string(data)))
	if err != nil {
		log.Errorf("Failed to set failure config: %v", err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := ioutil.ReadAll(resp.Body)
		log.Errorf("Failed to set failure config: %s", strings.TrimSpace(string(body)))
		return
	}
	log.Infof("Successfully replaced the failure config")
}

// cmdShell implements "shell" subcommand.
func (b *dbCli) cmdShell(c *cli.Context) {
	// Make cli not exit on errors.
	cli.OsExiter = func(int) {}

	line := liner.NewLiner()
	line.SetCtrlCAborts(true)

	// Complete command names at the start of the line.
	line.SetCompleter(func(input string) (c []string) {
		for _, cmd := range b.app.Commands {
			if strings.HasPrefix(cmd.Name, input) {
				c = append(c, cmd.Name)
			}
		}
		return
	})

	defer line.Close()

	for {
		input, err := line.Prompt(fmt.Sprintf("(%s) ", c.GlobalString("addr")))
		if err != nil {
			if err != liner.ErrPromptAborted {
				log.Errorf("error: %v", err)
			}
			return
		}

		// Split the line using shell-style rules for quoting and commenting.
		args, err := shlex.Split(input)
		if err != nil {
			log.Errorf("error: %v", err)
			continue
		}
		if len(args) == 0 {
			continue
		}
		if args[0] == "exit" {
			return
		}
		if b.runCommand(c, args...) == nil {
			line.AppendHistory(input)
		}
	}
}

// runCommand runs a command after the cli gets started already (either from
// the command interpreter or setup flags).
func (b *dbCli) runCommand(c *cli.Context, args ...string) error {
	cmdArgs := []string{"cli", "--addr", c.GlobalString("addr")}
	cmdArgs = append(cmdArgs, args...)
	return b.run(cmdArgs)
}
