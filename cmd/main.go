package main

import (
	"bufio"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/go-faker/faker/v4"

	"bptree/btree"
	"bptree/cli"
	"bptree/node"
)

var dbPath *string
var branch *int
var shouldReset, shouldSeed *bool
var seedNumRecords *int

func eraseDatabase() {
	if err := os.Remove(*dbPath); err != nil && !os.IsNotExist(err) {
		log.Fatal(err)
	}
	if err := os.Remove(*dbPath + ".wal"); err != nil && !os.IsNotExist(err) {
		log.Fatal(err)
	}
}

// clip trims faker output to the store's fixed per-entry byte caps.
func clip(s string, max int) string {
	if len(s) > max {
		return s[:max]
	}
	return s
}

func seedDatabaseWithTestRecords(t *btree.BTree) {
	for i := 0; i < *seedNumRecords; i++ {
		k := clip(faker.Word(), node.MaxKeySize)
		v := clip(faker.Word(), node.MaxValueSize)
		if err := t.Insert(k, v); err != nil {
			log.Fatal(err)
		}
	}
	if err := t.Commit(); err != nil {
		log.Fatal(err)
	}
	n, err := t.Len()
	if err != nil {
		log.Fatal(err)
	}
	log.Printf("Seeded; the tree now holds %d records.", n)
}

func main() {
	setupFlags()

	if *shouldReset {
		eraseDatabase()
	}

	t, err := btree.Open(*dbPath, *branch)
	if err != nil {
		log.Fatal(err)
	}

	if *shouldSeed {
		seedDatabaseWithTestRecords(t)
	}

	scanner := bufio.NewScanner(os.Stdin)
	repl := cli.NewCli(scanner, t)
	repl.Start()
}

func setupFlags() {
	dbPath = flag.String("path", "bptree.db", "Path of the tree's backing file.")
	branch = flag.Int("branch", 100, "Minimum fan-out b; nodes hold between b and 2b entries.")
	shouldReset = flag.Bool("reset", false, "Reset the store by erasing its files before startup.")
	shouldSeed = flag.Bool("seed", false, "Seed the store using records created with go-faker.")
	seedNumRecords = flag.Int("records", 1000, "Amount of records to seed the store with upon startup.")
	flag.Usage = func() {
		fmt.Println("\nB+Tree store CLI\n\nArguments:")
		flag.PrintDefaults()
	}
	flag.Parse()
}
