package cli

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/pkg/errors"

	"bptree/btree"
	"bptree/export"
)

type Cli struct {
	scanner    *bufio.Scanner
	tree       *btree.BTree
	visualizer *btree.Visualizer
}

func NewCli(s *bufio.Scanner, t *btree.BTree) *Cli {
	v := &btree.Visualizer{
		Tree: t,
	}
	return &Cli{scanner: s, tree: t, visualizer: v}
}

func (c *Cli) Start() {
	c.printHelp()
	c.printPrompt()
	for c.scanner.Scan() {
		c.processInput(c.scanner.Text())
		c.printPrompt()
	}
}

func (c *Cli) printHelp() {
	fmt.Print(`
B+Tree store CLI

Available Commands:
  SET <key> <val> Insert or overwrite a key-value pair
  GET <key>       Retrieve the value for key
  DEL <key>       Remove a key-value pair
  COMMIT          Make staged mutations durable
  ROLLBACK        Discard staged mutations
  PRINT           Render the tree
  DUMP <file>     Write all pairs to a compressed dump file
  LOAD <file>     Insert all pairs from a dump file and commit
  EXIT            Terminate this session (staged mutations are dropped)
`)
}

func (c *Cli) printPrompt() {
	fmt.Print("> ")
}

func (c *Cli) processInput(line string) {
	fields := strings.Fields(line)
	if len(fields) < 1 {
		return
	}
	command := strings.ToLower(fields[0])
	switch command {
	default:
		fmt.Printf("Unknown command \"%s\"\n", command)
	case "set":
		c.processSetCommand(fields[1:])
	case "get":
		c.processGetCommand(fields[1:])
	case "del":
		c.processDeleteCommand(fields[1:])
	case "commit":
		c.processCommitCommand()
	case "rollback":
		c.processRollbackCommand()
	case "print":
		c.processPrintCommand()
	case "dump":
		c.processDumpCommand(fields[1:])
	case "load":
		c.processLoadCommand(fields[1:])
	case "exit":
		c.tree.Close()
		os.Exit(0)
	}
}

func (c *Cli) processSetCommand(args []string) {
	if len(args) != 2 {
		fmt.Println("Usage: SET <key> <value>")
		return
	}
	if err := c.tree.Insert(args[0], args[1]); err != nil {
		fmt.Printf("SET failed: %v\n", err)
		return
	}
	fmt.Println("OK (staged; COMMIT to persist)")
}

func (c *Cli) processGetCommand(args []string) {
	if len(args) != 1 {
		fmt.Println("Usage: GET <key>")
		return
	}
	val, err := c.tree.Search(args[0])
	if err != nil {
		if errors.Is(err, btree.ErrKeyNotFound) {
			fmt.Println("Key not found.")
			return
		}
		fmt.Printf("GET failed: %v\n", err)
		return
	}
	fmt.Println(val)
}

func (c *Cli) processDeleteCommand(args []string) {
	if len(args) != 1 {
		fmt.Println("Usage: DEL <key>")
		return
	}
	if err := c.tree.Delete(args[0]); err != nil {
		if errors.Is(err, btree.ErrKeyNotFound) {
			fmt.Println("Key not found.")
			return
		}
		fmt.Printf("DEL failed: %v\n", err)
		return
	}
	fmt.Println("OK (staged; COMMIT to persist)")
}

func (c *Cli) processCommitCommand() {
	if err := c.tree.Commit(); err != nil {
		fmt.Printf("COMMIT failed: %v\n", err)
		return
	}
	fmt.Println("Committed.")
}

func (c *Cli) processRollbackCommand() {
	if err := c.tree.Rollback(); err != nil {
		fmt.Printf("ROLLBACK failed: %v\n", err)
		return
	}
	fmt.Println("Rolled back.")
}

func (c *Cli) processPrintCommand() {
	out, err := c.visualizer.Visualize()
	if err != nil {
		fmt.Printf("PRINT failed: %v\n", err)
		return
	}
	fmt.Print(out)
}

func (c *Cli) processDumpCommand(args []string) {
	if len(args) != 1 {
		fmt.Println("Usage: DUMP <file>")
		return
	}
	if err := export.Dump(c.tree, args[0]); err != nil {
		fmt.Printf("DUMP failed: %v\n", err)
		return
	}
	fmt.Printf("Dumped to %s\n", args[0])
}

func (c *Cli) processLoadCommand(args []string) {
	if len(args) != 1 {
		fmt.Println("Usage: LOAD <file>")
		return
	}
	n, err := export.Load(c.tree, args[0])
	if err != nil {
		fmt.Printf("LOAD failed after %d records: %v\n", n, err)
		return
	}
	fmt.Printf("Loaded and committed %d records from %s\n", n, args[0])
}
