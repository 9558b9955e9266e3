package store

import (
	"context"

	"github.com/jmoiron/sqlx"
)

// The dashboard and user-group tables are refreshable snapshots of external
// directory data. Replace* swaps the whole catalog atomically so a reader
// never sees a half-refreshed list.

func (s *Store) ListDashboards(ctx context.Context) ([]Dashboard, error) {
	var out []Dashboard
	err := s.db.SelectContext(ctx, &out,
		`SELECT * FROM dashboards ORDER BY display_name`)
	return out, err
}

func (s *Store) ListUserGroups(ctx context.Context) ([]UserGroup, error) {
	var out []UserGroup
	err := s.db.SelectContext(ctx, &out,
		`SELECT * FROM user_groups ORDER BY display_name`)
	return out, err
}

func (s *Store) ReplaceDashboards(ctx context.Context, items []Dashboard) error {
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		// Upsert then prune, rather than delete-all: rows referenced by
		// schedules_dashboards must survive a refresh that still lists them.
		seen := make([]string, 0, len(items))
		for _, d := range items {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO dashboards (id, display_name) VALUES (?, ?)
				 ON CONFLICT(id) DO UPDATE SET display_name = excluded.display_name`,
				d.ID, d.DisplayName); err != nil {
				return err
			}
			seen = append(seen, d.ID)
		}
		return pruneMissing(ctx, tx, "dashboards", seen)
	})
}

func (s *Store) ReplaceUserGroups(ctx context.Context, items []UserGroup) error {
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		seen := make([]string, 0, len(items))
		for _, g := range items {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO user_groups (id, display_name) VALUES (?, ?)
				 ON CONFLICT(id) DO UPDATE SET display_name = excluded.display_name`,
				g.ID, g.DisplayName); err != nil {
				return err
			}
			seen = append(seen, g.ID)
		}
		return pruneMissing(ctx, tx, "user_groups", seen)
	})
}

func pruneMissing(ctx context.Context, tx *sqlx.Tx, table string, keep []string) error {
	if len(keep) == 0 {
		_, err := tx.ExecContext(ctx, `DELETE FROM `+table)
		return err
	}
	query, args, err := sqlx.In(`DELETE FROM `+table+` WHERE id NOT IN (?)`, keep)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, query, args...)
	return err
}
