package main

import (
	"context"
	"flag"
	"fmt"
	"log"

	"github.com/mahaj/tourbook-realtime/pkg/config"
	"github.com/mahaj/tourbook-realtime/pkg/db"
	"github.com/mahaj/tourbook-realtime/pkg/repository"
)

// tail_timeline prints the newest messages of one chat straight from the
// Scylla timeline, bypassing the relational store.
func main() {
	chatID := flag.String("chat", "", "chat id")
	limit := flag.Int("limit", 20, "number of messages")
	before := flag.Int64("before", 0, "only messages with a smaller id")
	flag.Parse()

	if *chatID == "" {
		log.Fatal("-chat is required")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	session, err := db.NewSession(cfg.Scylla.Hosts, cfg.Scylla.Keyspace)
	if err != nil {
		log.Fatalf("Failed to connect to ScyllaDB: %v", err)
	}
	defer session.Close()

	msgs, err := repository.NewTimeline(session).Recent(context.Background(), *chatID, *before, *limit)
	if err != nil {
		log.Fatal(err)
	}
	for i := len(msgs) - 1; i >= 0; i-- {
		m := msgs[i]
		fmt.Printf("%d %s %s: %s\n", m.ID, m.CreatedAt.Format("2006-01-02 15:04:05"), m.SenderID, m.Content)
	}
}
