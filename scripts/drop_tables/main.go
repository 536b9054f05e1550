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

	log.Println("Dropping relational tables...")
	if err := db.Drop(gdb); err != nil {
		log.Fatalf("Failed to drop tables: %v", err)
	}

	if cfg.Scylla.Enabled {
		session, err := db.NewSession(cfg.Scylla.Hosts, cfg.Scylla.Keyspace)
		if err != nil {
			log.Fatalf("Failed to connect to ScyllaDB: %v", err)
		}
		defer session.Close()

		log.Println("Dropping table chat_messages...")
		if err := session.DropTimeline(); err != nil {
			log.Fatalf("Failed to drop table: %v", err)
		}
	}
	log.Println("Tables dropped successfully.")
}
