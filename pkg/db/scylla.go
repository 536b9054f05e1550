package db

import (
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"github.com/mahaj/tourbook-realtime/pkg/config"
)

type Session struct {
	*gocql.Session
}

func NewSession(hosts []string, keyspace string) (*Session, error) {
	cluster := gocql.NewCluster(hosts...)
	cluster.Keyspace = keyspace
	cluster.Consistency = gocql.Quorum
	cluster.Timeout = 5 * time.Second
	cluster.ConnectTimeout = 5 * time.Second

	// Retry policy
	cluster.RetryPolicy = &gocql.ExponentialBackoffRetryPolicy{
		NumRetries: 3,
		Min:        100 * time.Millisecond,
		Max:        1 * time.Second,
	}

	session, err := cluster.CreateSession()
	if err != nil {
		return nil, fmt.Errorf("connect to scylla keyspace %s: %w", keyspace, err)
	}
	return &Session{Session: session}, nil
}

// OpenTimeline creates the keyspace and timeline table when missing and
// returns a session bound to the keyspace.
func OpenTimeline(cfg config.ScyllaConfig) (*Session, error) {
	sys, err := NewSession(cfg.Hosts, "system")
	if err != nil {
		return nil, err
	}
	err = sys.Query(fmt.Sprintf(
		`CREATE KEYSPACE IF NOT EXISTS %s WITH REPLICATION = { 'class' : 'SimpleStrategy', 'replication_factor' : 1 }`,
		cfg.Keyspace,
	)).Exec()
	sys.Close()
	if err != nil {
		return nil, fmt.Errorf("create keyspace: %w", err)
	}

	session, err := NewSession(cfg.Hosts, cfg.Keyspace)
	if err != nil {
		return nil, err
	}
	if err := session.EnsureTimeline(); err != nil {
		session.Close()
		return nil, err
	}
	return session, nil
}

// EnsureTimeline creates the per-chat message timeline, newest first.
func (s *Session) EnsureTimeline() error {
	err := s.Query(`CREATE TABLE IF NOT EXISTS chat_messages (
		chat_id text,
		id bigint,
		sender_id text,
		content text,
		mentioned_user_ids list<text>,
		created_at timestamp,
		PRIMARY KEY (chat_id, id)
	) WITH CLUSTERING ORDER BY (id DESC)`).Exec()
	if err != nil {
		return fmt.Errorf("create chat_messages table: %w", err)
	}
	return nil
}

// DropTimeline removes the timeline table.
func (s *Session) DropTimeline() error {
	return s.Query("DROP TABLE IF EXISTS chat_messages").Exec()
}
