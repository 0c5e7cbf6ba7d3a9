// Command inspect dumps the contents of a chatsync store for debugging.
// It opens the pebble directory directly, so run it only against a
// stopped server or a copy of the data.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"chatsync/pkg/models"
	"chatsync/pkg/store"
)

func main() {
	var dbPath string
	var convID string
	var raw bool
	flag.StringVar(&dbPath, "db", "", "path to the store directory")
	flag.StringVar(&convID, "conv", "", "dump a single conversation and its messages")
	flag.BoolVar(&raw, "raw", false, "print raw key/value pairs instead of decoded documents")
	flag.Parse()
	if dbPath == "" {
		fmt.Fprintln(os.Stderr, "--db required")
		os.Exit(2)
	}

	if err := store.Open(dbPath); err != nil {
		fmt.Fprintf(os.Stderr, "open store: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	if raw {
		dumpRaw(convID)
		return
	}
	if convID != "" {
		dumpConversation(convID)
		return
	}
	dumpAll()
}

func dumpRaw(prefix string) {
	kvs, err := store.Scan(prefix)
	if err != nil {
		fmt.Fprintf(os.Stderr, "scan: %v\n", err)
		os.Exit(1)
	}
	for _, kv := range kvs {
		fmt.Printf("%s\t%s\n", kv.Key, kv.Value)
	}
}

func dumpConversation(convID string) {
	var conv models.Conversation
	if err := store.GetJSON(store.ConvKey(convID), &conv); err != nil {
		fmt.Fprintf(os.Stderr, "conversation %s: %v\n", convID, err)
		os.Exit(1)
	}
	printJSON(conv)

	kvs, err := store.Scan(store.MsgPrefix(convID))
	if err != nil {
		fmt.Fprintf(os.Stderr, "scan messages: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("-- %d messages --\n", len(kvs))
	for _, kv := range kvs {
		var m models.Message
		if err := json.Unmarshal(kv.Value, &m); err != nil {
			fmt.Printf("%s\t<undecodable: %v>\n", kv.Key, err)
			continue
		}
		printJSON(m)
	}
}

func dumpAll() {
	kvs, err := store.Scan("conv:")
	if err != nil {
		fmt.Fprintf(os.Stderr, "scan: %v\n", err)
		os.Exit(1)
	}
	for _, kv := range kvs {
		var conv models.Conversation
		if err := json.Unmarshal(kv.Value, &conv); err != nil {
			// message keys share the conv: prefix; skip them here
			continue
		}
		if conv.ID == "" {
			continue
		}
		fmt.Printf("%s\tparticipants=%v\tunread=%v\tlast=%q\n",
			conv.ID, conv.Participants, conv.Unread, conv.LastMessage)
	}
}

func printJSON(v interface{}) {
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
}
