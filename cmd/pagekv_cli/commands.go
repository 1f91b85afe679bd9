package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/sushant-115/pagekv/core/indexmanager"
)

var commandNames = []string{"put", "get", "delete", "scan", "sync", "stats", "check", "backup", "help", "exit", "quit"}

// session executes commands against one index manager.
type session struct {
	index      indexmanager.IndexManager
	out        io.Writer
	backupRate int64
}

// processCommand runs one command line and reports whether the session should end.
func (s *session) processCommand(ctx context.Context, args []string) bool {
	if len(args) == 0 {
		return false
	}

	switch strings.ToLower(args[0]) {
	case "put":
		if len(args) < 3 {
			fmt.Fprintln(s.out, "Error: put command requires a key and a value.")
			return false
		}
		if err := s.index.Put(ctx, args[1], []byte(strings.Join(args[2:], " "))); err != nil {
			fmt.Fprintf(s.out, "Error: %v\n", err)
			return false
		}
		fmt.Fprintln(s.out, "OK")
	case "get":
		if len(args) < 2 {
			fmt.Fprintln(s.out, "Error: get command requires a key.")
			return false
		}
		v, ok, err := s.index.Get(ctx, args[1])
		switch {
		case err != nil:
			fmt.Fprintf(s.out, "Error: %v\n", err)
		case !ok:
			fmt.Fprintln(s.out, "NOT_FOUND")
		default:
			fmt.Fprintln(s.out, string(v))
		}
	case "delete", "del":
		if len(args) < 2 {
			fmt.Fprintln(s.out, "Error: delete command requires a key.")
			return false
		}
		removed, err := s.index.Delete(ctx, args[1])
		switch {
		case err != nil:
			fmt.Fprintf(s.out, "Error: %v\n", err)
		case !removed:
			fmt.Fprintln(s.out, "NOT_FOUND")
		default:
			fmt.Fprintln(s.out, "OK")
		}
	case "scan":
		s.scan(ctx, args[1:])
	case "sync":
		if err := s.index.Sync(ctx); err != nil {
			fmt.Fprintf(s.out, "Error: %v\n", err)
			return false
		}
		fmt.Fprintln(s.out, "OK")
	case "stats":
		st := s.index.Stats()
		fmt.Fprintf(s.out, "entries=%d cached=%d staged=%d hits=%d misses=%d evictions=%d fsyncs=%d pages_written=%d\n",
			s.index.Len(), st.Cached, st.Staged, st.Hits, st.Misses, st.Evictions, st.Fsyncs, st.PagesWritten)
	case "check":
		if err := s.index.Check(ctx); err != nil {
			fmt.Fprintf(s.out, "Error: %v\n", err)
			return false
		}
		fmt.Fprintln(s.out, "OK")
	case "backup":
		if len(args) < 2 {
			fmt.Fprintln(s.out, "Error: backup command requires a destination path.")
			return false
		}
		sum, err := s.index.Backup(ctx, args[1], s.backupRate)
		if err != nil {
			fmt.Fprintf(s.out, "Error: %v\n", err)
			return false
		}
		fmt.Fprintf(s.out, "OK sha256=%s\n", hex.EncodeToString(sum))
	case "help":
		fmt.Fprintln(s.out, "Commands:")
		fmt.Fprintln(s.out, "  put <key> <value>")
		fmt.Fprintln(s.out, "  get <key>")
		fmt.Fprintln(s.out, "  delete <key>")
		fmt.Fprintln(s.out, "  scan [from|*] [to|*] [limit]")
		fmt.Fprintln(s.out, "  sync")
		fmt.Fprintln(s.out, "  stats")
		fmt.Fprintln(s.out, "  check")
		fmt.Fprintln(s.out, "  backup <path>")
		fmt.Fprintln(s.out, "  help")
		fmt.Fprintln(s.out, "  exit / quit")
	case "exit", "quit":
		return true
	default:
		fmt.Fprintln(s.out, "Error: Unknown command. Type 'help' for a list of commands.")
	}
	return false
}

func (s *session) scan(ctx context.Context, args []string) {
	from, to := "*", "*"
	var limit int32
	if len(args) > 0 {
		from = args[0]
	}
	if len(args) > 1 {
		to = args[1]
	}
	if len(args) > 2 {
		n, err := strconv.ParseInt(args[2], 10, 32)
		if err != nil || n < 0 {
			fmt.Fprintf(s.out, "Error: invalid limit %q.\n", args[2])
			return
		}
		limit = int32(n)
	}
	results, err := s.index.GetRange(ctx, from, to, limit)
	if err != nil {
		fmt.Fprintf(s.out, "Error: %v\n", err)
		return
	}
	for _, kv := range results {
		fmt.Fprintf(s.out, "%s = %s\n", kv.Key, kv.Value)
	}
	fmt.Fprintf(s.out, "(%d entries)\n", len(results))
}
