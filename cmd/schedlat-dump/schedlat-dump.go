package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/kerntune/schedlat"
	"github.com/kerntune/schedlat/history"
)

const help = `
Usage: schedlat-dump [-store dir] <record-id | checkpoint-file>

Dumps a stored session record, or the chunks of a checkpoint file, as
JSON. With no argument, lists the records in the store.
`

func main() {
	var storeDir string
	flag.StringVar(&storeDir, "store", "", "record store directory")
	flag.Parse()

	out := json.NewEncoder(os.Stdout)
	out.SetIndent("", "  ")

	if flag.NArg() == 0 {
		if storeDir == "" {
			fmt.Print(help)
			os.Exit(1)
		}
		store, err := history.NewStore(storeDir)
		fatal(err)
		records, err := store.ListMetadata()
		fatal(err)
		fatal(out.Encode(records))
		return
	}

	target := flag.Arg(0)

	// Checkpoint files are paths; record ids are bare uuids.
	if strings.ContainsAny(target, "./") {
		f, err := os.Open(target)
		fatal(err)
		defer f.Close()

		chunks, err := schedlat.ReadCheckpoint(f)
		fatal(err)

		for _, chunk := range chunks {
			fatal(out.Encode(chunk))
		}
		return
	}

	if storeDir == "" {
		fmt.Print(help)
		os.Exit(1)
	}
	store, err := history.NewStore(storeDir)
	fatal(err)
	record, err := store.Load(target)
	fatal(err)
	fatal(out.Encode(record))
}

func fatal(err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "schedlat-dump: %s\n", err)
		os.Exit(1)
	}
}
