package worldapi

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresWorldRepository is the reference WorldRepository adapter, grounded
// on the teacher's internal/db package conventions (pgxpool.Pool wrapper,
// QueryRow+Scan, pgx.ErrNoRows mapped to a clean not-found result,
// fmt.Errorf wrapping at every boundary). No other package in this
// repository imports it, cmd/ included, and no test exercises it; the core
// protocol packages never do (spec.md §1: the store is an external
// collaborator).
type PostgresWorldRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresWorldRepository connects to PostgreSQL and returns a
// PostgresWorldRepository.
func NewPostgresWorldRepository(ctx context.Context, dsn string) (*PostgresWorldRepository, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("worldapi: connecting to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("worldapi: pinging database: %w", err)
	}
	return &PostgresWorldRepository{pool: pool}, nil
}

// Close releases the underlying connection pool.
func (r *PostgresWorldRepository) Close() {
	r.pool.Close()
}

// LoadPlayer loads a player row by id. Returns ErrNotFound if absent.
func (r *PostgresWorldRepository) LoadPlayer(ctx context.Context, id PlayerID) (*Player, error) {
	var p Player
	err := r.pool.QueryRow(ctx,
		`SELECT id, name, map_id, x, y, z, heading FROM players WHERE id = $1`, uint64(id),
	).Scan(&p.ID, &p.Name, &p.MapID, &p.X, &p.Y, &p.Z, &p.Heading)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("worldapi: querying player %d: %w", id, err)
	}
	return &p, nil
}

// SavePlayer upserts a player row.
func (r *PostgresWorldRepository) SavePlayer(ctx context.Context, p *Player) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO players (id, name, map_id, x, y, z, heading)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (id) DO UPDATE SET
		   name = EXCLUDED.name, map_id = EXCLUDED.map_id,
		   x = EXCLUDED.x, y = EXCLUDED.y, z = EXCLUDED.z, heading = EXCLUDED.heading`,
		uint64(p.ID), p.Name, uint32(p.MapID), p.X, p.Y, p.Z, p.Heading,
	)
	if err != nil {
		return fmt.Errorf("worldapi: saving player %d: %w", p.ID, err)
	}
	return nil
}

// GetMap loads a map's precomputed passability grid. Returns ErrNotFound if
// absent.
func (r *PostgresWorldRepository) GetMap(ctx context.Context, id MapID) (*CellGrid, error) {
	var grid CellGrid
	err := r.pool.QueryRow(ctx,
		`SELECT width, height, cells FROM maps WHERE id = $1`, uint32(id),
	).Scan(&grid.Width, &grid.Height, &grid.Cells)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("worldapi: querying map %d: %w", id, err)
	}
	return &grid, nil
}
