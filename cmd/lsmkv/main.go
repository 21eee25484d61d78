// Command lsmkv is a line-oriented shell over the storage engine: put,
// get, update, delete and a handful of maintenance commands, reading one
// command per line from stdin the way the teacher's DB/Command pair was
// clearly headed before it was left as a stub.
package main

import (
	"bufio"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/flashkv/lsmkv/config"
	"github.com/flashkv/lsmkv/engine"
	"github.com/flashkv/lsmkv/logging"
)

// Command identifies which engine operation a line of input requests.
type Command int

const (
	CommandUnknown Command = iota
	CommandPut
	CommandUpdate
	CommandGet
	CommandDelete
	CommandFlush
	CommandCompact
	CommandQuit
)

func parseCommand(verb string) Command {
	switch strings.ToLower(verb) {
	case "put", "insert":
		return CommandPut
	case "update":
		return CommandUpdate
	case "get":
		return CommandGet
	case "delete", "del":
		return CommandDelete
	case "flush":
		return CommandFlush
	case "compact":
		return CommandCompact
	case "quit", "exit":
		return CommandQuit
	default:
		return CommandUnknown
	}
}

func main() {
	dir := flag.String("dir", "./lsmkv-data", "storage directory")
	configPath := flag.String("config", "", "optional TOML config file")
	verbose := flag.Bool("v", false, "enable development-mode logging")
	flag.Parse()

	cfg := config.DefaultConfig()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "lsmkv: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	}
	if *verbose {
		l, err := logging.Development()
		if err != nil {
			fmt.Fprintf(os.Stderr, "lsmkv: %v\n", err)
			os.Exit(1)
		}
		cfg.Logger = l
	}

	e, err := engine.Open(*dir, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "lsmkv: open %s: %v\n", *dir, err)
		os.Exit(1)
	}
	defer e.Close()

	runShell(os.Stdin, os.Stdout, e)
}

func runShell(in *os.File, out *os.File, e *engine.Engine) {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		fields := strings.SplitN(line, " ", 3)
		cmd := parseCommand(fields[0])

		switch cmd {
		case CommandPut:
			if len(fields) != 3 {
				fmt.Fprintln(out, "usage: put <key> <value>")
				continue
			}
			if err := e.Put([]byte(fields[1]), []byte(fields[2])); err != nil {
				fmt.Fprintln(out, "error:", err)
				continue
			}
			fmt.Fprintln(out, "ok")

		case CommandUpdate:
			if len(fields) != 3 {
				fmt.Fprintln(out, "usage: update <key> <value>")
				continue
			}
			if err := e.Update([]byte(fields[1]), []byte(fields[2])); err != nil {
				fmt.Fprintln(out, "error:", err)
				continue
			}
			fmt.Fprintln(out, "ok")

		case CommandGet:
			if len(fields) != 2 {
				fmt.Fprintln(out, "usage: get <key>")
				continue
			}
			value, err := e.Get([]byte(fields[1]))
			if err != nil {
				if errors.Is(err, engine.ErrNotFoundInDB) || errors.Is(err, engine.ErrKeyDeleted) {
					fmt.Fprintln(out, "not found")
					continue
				}
				fmt.Fprintln(out, "error:", err)
				continue
			}
			fmt.Fprintln(out, string(value))

		case CommandDelete:
			if len(fields) != 2 {
				fmt.Fprintln(out, "usage: delete <key>")
				continue
			}
			if err := e.Delete([]byte(fields[1])); err != nil {
				fmt.Fprintln(out, "error:", err)
				continue
			}
			fmt.Fprintln(out, "ok")

		case CommandFlush:
			if err := e.FlushAllMemtables(); err != nil {
				fmt.Fprintln(out, "error:", err)
				continue
			}
			fmt.Fprintln(out, "ok")

		case CommandCompact:
			if err := e.RunCompaction(); err != nil {
				fmt.Fprintln(out, "error:", err)
				continue
			}
			fmt.Fprintln(out, "ok")

		case CommandQuit:
			return

		default:
			fmt.Fprintln(out, "unknown command:", fields[0])
		}
	}
}
