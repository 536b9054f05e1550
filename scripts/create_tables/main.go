package main

import (
	"log"

	"github.com/mahaj/tourbook-realtime/pkg/config"
	"github.com/mahaj/tourbook-realtime/pkg/db"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	gdb, err := db.Open(cfg.Database)
	if err != nil {
		log.Fatalf("Failed to open %s database: %v", cfg.Database.Type, err)
	}
	defer db.Close(gdb)

	if err := db.Migrate(gdb); err != nil {
		log.Fatal(err)
	}
	log.Printf("Relational tables migrated (%s)", cfg.Database.Type)

	if !cfg.Scylla.Enabled {
		log.Println("SCYLLA_HOSTS not set, skipping message timeline")
		return
	}
	session, err := db.OpenTimeline(cfg.Scylla)
	if err != nil {
		log.Fatal(err)
	}
	defer session.Close()
	log.Printf("Table %s.chat_messages created successfully", cfg.Scylla.Keyspace)
}
