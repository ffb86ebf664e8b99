package cmd

import (
	"fmt"
	"log"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/spf13/cobra"

	"github.com/tkhasanov/newsletter-engine/internal/config"
	"github.com/tkhasanov/newsletter-engine/internal/db"
)

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Seed the database with demo members and posts",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		sqlDB, err := db.NewMySQLConnection(cfg.MySQL.DSN, db.MySQLOpts{
			MaxOpenConns:    cfg.MySQL.MaxOpenConns,
			MaxIdleConns:    cfg.MySQL.MaxIdleConns,
			ConnMaxLifetime: cfg.MySQL.ConnMaxLifetime,
			ConnMaxIdleTime: cfg.MySQL.ConnMaxIdleTime,
			PingTimeout:     cfg.MySQL.PingTimeout,
		})
		if err != nil {
			return fmt.Errorf("mysql connect: %w", err)
		}
		defer sqlDB.Close()

		log.Println(">> Seeding demo members and posts...")

		if err := seedMembers(sqlDB); err != nil {
			return err
		}
		if err := seedPosts(sqlDB); err != nil {
			return err
		}

		log.Println(">> Seed completed")
		return nil
	},
}

type seedMember struct {
	id, uuid, email, name, status string
	subscribed                    bool
	labels                        []string
}

// seedMembers inserts deterministic demo members (idempotent upsert on id).
func seedMembers(dbx *sqlx.DB) error {
	members := []seedMember{
		{"seed-m-001", "a0000001-0000-4000-8000-000000000001", "alice@example.com", "Alice", "free", true, []string{"vip"}},
		{"seed-m-002", "a0000001-0000-4000-8000-000000000002", "bob@example.com", "Bob", "paid", true, nil},
		{"seed-m-003", "a0000001-0000-4000-8000-000000000003", "carol@example.com", "Carol", "comped", true, []string{"vip", "beta"}},
		{"seed-m-004", "a0000001-0000-4000-8000-000000000004", "dave@example.com", "Dave", "free", false, nil},
		{"seed-m-005", "a0000001-0000-4000-8000-000000000005", "erin@example.com", "Erin", "paid", true, []string{"beta"}},
	}

	const memberQ = `
INSERT INTO members
    (id, uuid, email, name, status, subscribed, created_at, updated_at)
VALUES
    (?, ?, ?, ?, ?, ?, ?, ?)
ON DUPLICATE KEY UPDATE
    name       = VALUES(name),
    status     = VALUES(status),
    subscribed = VALUES(subscribed),
    updated_at = VALUES(updated_at)
`
	const labelQ = `
INSERT IGNORE INTO member_labels (member_id, label) VALUES (?, ?)
`

	tx, err := dbx.Beginx()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now()
	for _, m := range members {
		if _, err := tx.Exec(memberQ, m.id, m.uuid, m.email, m.name, m.status, m.subscribed, now, now); err != nil {
			return fmt.Errorf("insert member %q: %w", m.email, err)
		}
		for _, l := range m.labels {
			if _, err := tx.Exec(labelQ, m.id, l); err != nil {
				return fmt.Errorf("insert label %q for %q: %w", l, m.email, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit members: %w", err)
	}
	return nil
}

// seedPosts inserts one published and one draft demo post (idempotent).
func seedPosts(dbx *sqlx.DB) error {
	const q = `
INSERT INTO posts
    (id, title, status, html, excerpt, published_at, created_at, updated_at)
VALUES
    (?, ?, ?, ?, ?, ?, ?, ?)
ON DUPLICATE KEY UPDATE
    title      = VALUES(title),
    status     = VALUES(status),
    html       = VALUES(html),
    updated_at = VALUES(updated_at)
`
	now := time.Now()
	posts := []struct {
		id, title, status, html, excerpt string
		publishedAt                      any
	}{
		{
			"seed-p-001", "Welcome aboard", "published",
			`<h1>Welcome</h1><p>Thanks for subscribing, {first_name}.</p>` +
				`<!-- segment:status:free --><p>Upgrade any time for member-only posts.</p><!-- /segment -->`,
			"Thanks for subscribing.",
			now,
		},
		{
			"seed-p-002", "Work in progress", "draft",
			`<p>Not ready yet.</p>`, "", nil,
		},
	}

	for _, p := range posts {
		if _, err := dbx.Exec(q, p.id, p.title, p.status, p.html, p.excerpt, p.publishedAt, now, now); err != nil {
			return fmt.Errorf("insert post %q: %w", p.title, err)
		}
	}
	return nil
}
