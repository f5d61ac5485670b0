// Command cellkv-shell is an interactive REPL over a cellkv store,
// mainly useful for poking at a file by hand while developing against
// the engine.
package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/chzyer/readline"
	"go.uber.org/zap"

	"github.com/cellkv/cellkv/core/kvengine"
	"github.com/cellkv/cellkv/internal/syncutil"
	"github.com/cellkv/cellkv/pkg/logger"
)

// session holds the shell's working state: the open database, the
// transaction (if any) currently being built up across commands, and
// the collection it's scoped to. commands run one at a time off the
// readline loop, but guard is taken regardless so a future background
// command (an auto-commit ticker, say) can't race a line being typed.
type session struct {
	db    *kvengine.DB
	guard *syncutil.Mutex

	tx   *kvengine.Transaction
	coll *kvengine.Collection
}

func main() {
	path := flag.String("db", "cellkv.db", "path to the database file")
	logLevel := flag.String("log-level", "warn", "log level: debug, info, warn, error")
	flag.Parse()

	log, err := logger.New(logger.Config{Level: *logLevel, Format: "console", OutputFile: "stderr"})
	if err != nil {
		fmt.Fprintf(os.Stderr, "cellkv-shell: logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	db, err := kvengine.Open(*path, kvengine.Options{}, log)
	if err != nil {
		log.Fatal("open failed", zap.Error(err))
	}
	defer db.Close()

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "cellkv> ",
		HistoryFile:     "/tmp/cellkv-shell.history",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		log.Fatal("readline init failed", zap.Error(err))
	}
	defer rl.Close()

	s := &session{db: db, guard: syncutil.NewMutex()}
	fmt.Println("cellkv shell. Type 'help' for commands.")

	for {
		line, err := rl.Readline()
		if err == readline.ErrInterrupt {
			continue
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "cellkv-shell: %v\n", err)
			break
		}
		s.dispatch(strings.TrimSpace(line))
	}

	if s.tx != nil {
		fmt.Println("rolling back open transaction before exit")
		_ = s.tx.Rollback()
	}
}

func (s *session) dispatch(line string) {
	if line == "" {
		return
	}
	s.guard.Lock()
	defer s.guard.Unlock()

	fields := strings.Fields(line)
	cmd, args := fields[0], fields[1:]

	switch cmd {
	case "help":
		printHelp()
	case "begin":
		s.cmdBegin(args)
	case "create":
		s.cmdCreate(args)
	case "use":
		s.cmdUse(args)
	case "put":
		s.cmdPut(args)
	case "get":
		s.cmdGet(args)
	case "del":
		s.cmdDel(args)
	case "id":
		s.cmdID()
	case "ls":
		s.cmdLs()
	case "commit":
		s.cmdCommit()
	case "rollback":
		s.cmdRollback()
	case "exit", "quit":
		if s.tx != nil {
			fmt.Println("rolling back open transaction")
			_ = s.tx.Rollback()
			s.tx, s.coll = nil, nil
		}
		os.Exit(0)
	default:
		fmt.Printf("unknown command %q, type 'help'\n", cmd)
	}
}

func printHelp() {
	fmt.Print(`commands:
  begin [ro]            start a transaction (read-write unless "ro")
  create <collection>    create a collection (write tx)
  use <collection>       scope subsequent put/get/del to a collection
  put <key> <value>      insert or overwrite a key (write tx)
  get <key>              look up a key
  del <key>              remove a key (write tx)
  id                     mint a fresh collection-scoped id (write tx)
  ls                     list collection names
  commit                 commit the open transaction
  rollback               abandon the open transaction
  exit                   quit, rolling back any open transaction
`)
}

func (s *session) cmdBegin(args []string) {
	if s.tx != nil {
		fmt.Println("a transaction is already open")
		return
	}
	if len(args) == 1 && args[0] == "ro" {
		s.tx = s.db.ReadTx()
	} else {
		s.tx = s.db.WriteTx()
	}
	s.coll = nil
}

func (s *session) cmdCreate(args []string) {
	if !s.requireTx() || len(args) != 1 {
		fmt.Println("usage: create <collection>")
		return
	}
	c, err := s.tx.CreateCollection([]byte(args[0]))
	if err != nil {
		fmt.Println("error:", err)
		return
	}
	s.coll = c
	fmt.Printf("created %q\n", args[0])
}

func (s *session) cmdUse(args []string) {
	if !s.requireTx() || len(args) != 1 {
		fmt.Println("usage: use <collection>")
		return
	}
	c, err := s.tx.GetCollection([]byte(args[0]))
	if err != nil {
		fmt.Println("error:", err)
		return
	}
	s.coll = c
	fmt.Printf("using %q\n", args[0])
}

func (s *session) cmdPut(args []string) {
	if !s.requireCollection() || len(args) != 2 {
		fmt.Println("usage: put <key> <value>")
		return
	}
	if err := s.coll.Put([]byte(args[0]), []byte(args[1])); err != nil {
		fmt.Println("error:", err)
	}
}

func (s *session) cmdGet(args []string) {
	if !s.requireCollection() || len(args) != 1 {
		fmt.Println("usage: get <key>")
		return
	}
	v, err := s.coll.Find([]byte(args[0]))
	if err != nil {
		fmt.Println("error:", err)
		return
	}
	fmt.Println(string(v))
}

func (s *session) cmdDel(args []string) {
	if !s.requireCollection() || len(args) != 1 {
		fmt.Println("usage: del <key>")
		return
	}
	if err := s.coll.Remove([]byte(args[0])); err != nil {
		fmt.Println("error:", err)
	}
}

func (s *session) cmdID() {
	if !s.requireCollection() {
		return
	}
	id, err := s.coll.ID()
	if err != nil {
		fmt.Println("error:", err)
		return
	}
	fmt.Println(id)
}

func (s *session) cmdLs() {
	if !s.requireTx() {
		return
	}
	names, err := s.tx.ListCollections()
	if err != nil {
		fmt.Println("error:", err)
		return
	}
	for _, n := range names {
		fmt.Println(string(n))
	}
}

func (s *session) cmdCommit() {
	if !s.requireTx() {
		return
	}
	if err := s.tx.Commit(); err != nil {
		fmt.Println("error:", err)
	}
	s.tx, s.coll = nil, nil
}

func (s *session) cmdRollback() {
	if !s.requireTx() {
		return
	}
	if err := s.tx.Rollback(); err != nil {
		fmt.Println("error:", err)
	}
	s.tx, s.coll = nil, nil
}

func (s *session) requireTx() bool {
	if s.tx == nil {
		fmt.Println("no open transaction, run 'begin' first")
		return false
	}
	return true
}

func (s *session) requireCollection() bool {
	if !s.requireTx() {
		return false
	}
	if s.coll == nil {
		fmt.Println("no collection selected, run 'use' or 'create' first")
		return false
	}
	return true
}
