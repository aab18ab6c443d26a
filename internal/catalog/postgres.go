package catalog

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/gatekeeper/internal/platform/db"
)

// PostgresSource reads the catalog from the permissions, add_ons and
// add_on_permissions tables.
type PostgresSource struct {
	pool *pgxpool.Pool
}

// NewPostgresSource constructs a PostgresSource.
func NewPostgresSource(pool *pgxpool.Pool) *PostgresSource {
	return &PostgresSource{pool: pool}
}

// Load reads the full catalog in a single snapshot.
func (s *PostgresSource) Load(ctx context.Context) (Seed, error) {
	var seed Seed
	err := db.WithSnapshot(ctx, s.pool, func(tx pgx.Tx) error {
		var err error
		seed, err = loadSeed(ctx, tx)
		return err
	})
	return seed, err
}

func loadSeed(ctx context.Context, q db.Querier) (Seed, error) {
	var seed Seed
	rows, err := q.Query(ctx, `SELECT key, category, min_plan_tier, description FROM permissions ORDER BY key`)
	if err != nil {
		return Seed{}, err
	}
	for rows.Next() {
		var p Permission
		var tier string
		if err := rows.Scan(&p.Key, &p.Category, &tier, &p.Description); err != nil {
			rows.Close()
			return Seed{}, err
		}
		if p.MinTier, err = ParseTier(tier); err != nil {
			rows.Close()
			return Seed{}, err
		}
		seed.Permissions = append(seed.Permissions, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return Seed{}, err
	}

	rows, err = q.Query(ctx, `
		SELECT a.name, ap.permission_key
		FROM add_ons a
		LEFT JOIN add_on_permissions ap ON ap.add_on = a.name
		ORDER BY a.name, ap.permission_key`)
	if err != nil {
		return Seed{}, err
	}
	defer rows.Close()
	index := map[string]int{}
	for rows.Next() {
		var name string
		var key *string
		if err := rows.Scan(&name, &key); err != nil {
			return Seed{}, err
		}
		i, ok := index[name]
		if !ok {
			i = len(seed.AddOns)
			index[name] = i
			seed.AddOns = append(seed.AddOns, AddOn{Name: name})
		}
		if key != nil {
			seed.AddOns[i].Keys = append(seed.AddOns[i].Keys, *key)
		}
	}
	return seed, rows.Err()
}

// Sync writes seed into the database. It refuses seeds that would shrink
// the stored catalog and never deletes rows. Add-on key lists are replaced.
func (s *PostgresSource) Sync(ctx context.Context, seed Seed) error {
	next, err := buildView(seed, 1)
	if err != nil {
		return err
	}
	return db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `LOCK TABLE permissions IN SHARE ROW EXCLUSIVE MODE`); err != nil {
			return err
		}
		stored, err := loadSeed(ctx, tx)
		if err != nil {
			return err
		}
		current, err := buildView(stored, 1)
		if err != nil {
			return fmt.Errorf("catalog: stored catalog invalid: %w", err)
		}
		if err := checkAdditive(current, next); err != nil {
			return err
		}
		for _, p := range next.ordered {
			if _, err := tx.Exec(ctx, `
				INSERT INTO permissions (key, category, min_plan_tier, description)
				VALUES ($1, $2, $3, $4)
				ON CONFLICT (key) DO UPDATE
				SET category = EXCLUDED.category,
				    min_plan_tier = EXCLUDED.min_plan_tier,
				    description = EXCLUDED.description`,
				p.Key, p.Category, p.MinTier.String(), p.Description); err != nil {
				return fmt.Errorf("catalog: upsert %s: %w", p.Key, err)
			}
		}
		for _, a := range next.AddOns() {
			if _, err := tx.Exec(ctx, `INSERT INTO add_ons (name) VALUES ($1) ON CONFLICT (name) DO NOTHING`, a.Name); err != nil {
				return fmt.Errorf("catalog: upsert add-on %s: %w", a.Name, err)
			}
			for _, k := range a.Keys {
				if _, err := tx.Exec(ctx, `
					INSERT INTO add_on_permissions (add_on, permission_key) VALUES ($1, $2)
					ON CONFLICT (add_on, permission_key) DO NOTHING`, a.Name, k); err != nil {
					return fmt.Errorf("catalog: link %s to %s: %w", k, a.Name, err)
				}
			}
		}
		return nil
	})
}

// SyncedSource loads seeds from another Source and writes them through to
// PostgreSQL before serving them, so foreign keys on permission keys always
// see the keys the process serves.
type SyncedSource struct {
	Source Source
	Store  *PostgresSource
}

// Load implements Source.
func (s SyncedSource) Load(ctx context.Context) (Seed, error) {
	seed, err := s.Source.Load(ctx)
	if err != nil {
		return Seed{}, err
	}
	if err := s.Store.Sync(ctx, seed); err != nil {
		return Seed{}, err
	}
	return seed, nil
}
