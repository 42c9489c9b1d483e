package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"sjsage522/carlistingworker/internal/crawler"
	"sjsage522/carlistingworker/internal/normalize"
	"sjsage522/carlistingworker/logger"
	errs "sjsage522/carlistingworker/pkg/errors"

	"github.com/lib/pq"
)

const (
	stage     = "store"
	batchSize = 50
	columns   = 9
)

// Vehicle is one row of the vehiculos table
type Vehicle struct {
	ID               int64
	URL              string
	Title            string
	ListPriceRaw     *string
	ListPrice        *float64
	FinancedPriceRaw *string
	FinancedPrice    *float64
	FinancingOffered bool
	Tags             []string
	DetailFields     []string
	CreatedAt        time.Time
}

// PostgresStore persists merged listings to PostgreSQL
type PostgresStore struct {
	db  *sql.DB
	log *logger.Logger
}

// NewPostgresStore opens a connection to PostgreSQL, runs schema migrations,
// and returns a ready-to-use store.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, errs.NewStore(stage, "open", err)
	}

	for i := 0; i < 10; i++ {
		if err = db.PingContext(ctx); err == nil {
			break
		}
		select {
		case <-ctx.Done():
			db.Close()
			return nil, ctx.Err()
		case <-time.After(2 * time.Second):
		}
	}
	if err != nil {
		db.Close()
		return nil, errs.NewStore(stage, "ping failed after retries", err)
	}

	s := newPostgresStore(db)
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, errs.NewStore(stage, "migrate", err)
	}

	return s, nil
}

func newPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, log: logger.ForStore()}
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS vehiculos (
			id                      SERIAL PRIMARY KEY,
			url                     TEXT          UNIQUE NOT NULL,
			titulo                  TEXT          NOT NULL DEFAULT '',
			precio_contado_raw      TEXT,
			precio_contado          NUMERIC(12,2),
			precio_financiado_raw   TEXT,
			precio_financiado       NUMERIC(12,2),
			financiacion_disponible BOOLEAN       NOT NULL DEFAULT FALSE,
			tags                    TEXT[]        NOT NULL DEFAULT '{}',
			detalles_ficha          TEXT[],
			created_at              TIMESTAMPTZ   NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_vehiculos_precio_contado ON vehiculos(precio_contado);
		CREATE INDEX IF NOT EXISTS idx_vehiculos_created_at     ON vehiculos(created_at);
	`)
	return err
}

// Write upserts listings in batches keyed by URL
func (s *PostgresStore) Write(ctx context.Context, listings []crawler.Listing) error {
	if len(listings) == 0 {
		return nil
	}

	for i := 0; i < len(listings); i += batchSize {
		end := min(i+batchSize, len(listings))
		if err := s.insertBatch(ctx, listings[i:end]); err != nil {
			return errs.NewStore(stage, fmt.Sprintf("insert batch %d-%d", i, end), err)
		}
	}

	s.log.Info().Int("rows", len(listings)).Msg("Listings stored")
	return nil
}

func (s *PostgresStore) insertBatch(ctx context.Context, batch []crawler.Listing) error {
	// ON CONFLICT DO UPDATE cannot touch the same row twice in one statement
	batch = uniqueByURL(batch)

	valueStrings := make([]string, 0, len(batch))
	valueArgs := make([]any, 0, len(batch)*columns)

	for idx, l := range batch {
		placeholders := make([]string, columns)
		for c := range placeholders {
			placeholders[c] = fmt.Sprintf("$%d", idx*columns+c+1)
		}
		valueStrings = append(valueStrings, "("+strings.Join(placeholders, ",")+")")

		row := ToVehicle(l)
		valueArgs = append(valueArgs,
			row.URL, row.Title,
			row.ListPriceRaw, row.ListPrice,
			row.FinancedPriceRaw, row.FinancedPrice,
			row.FinancingOffered,
			pq.Array(row.Tags), pq.Array(row.DetailFields),
		)
	}

	query := fmt.Sprintf(`
		INSERT INTO vehiculos (url, titulo, precio_contado_raw, precio_contado,
			precio_financiado_raw, precio_financiado, financiacion_disponible,
			tags, detalles_ficha)
		VALUES %s
		ON CONFLICT (url) DO UPDATE SET
			titulo                  = EXCLUDED.titulo,
			precio_contado_raw      = EXCLUDED.precio_contado_raw,
			precio_contado          = EXCLUDED.precio_contado,
			precio_financiado_raw   = EXCLUDED.precio_financiado_raw,
			precio_financiado       = EXCLUDED.precio_financiado,
			financiacion_disponible = EXCLUDED.financiacion_disponible,
			tags                    = EXCLUDED.tags,
			detalles_ficha          = EXCLUDED.detalles_ficha
	`, strings.Join(valueStrings, ","))

	_, err := s.db.ExecContext(ctx, query, valueArgs...)
	return err
}

// uniqueByURL collapses repeated URLs, keeping the position of the first
// occurrence and the values of the last one
func uniqueByURL(batch []crawler.Listing) []crawler.Listing {
	positions := make(map[string]int, len(batch))
	unique := make([]crawler.Listing, 0, len(batch))
	for _, l := range batch {
		if pos, ok := positions[l.URL]; ok {
			unique[pos] = l
			continue
		}
		positions[l.URL] = len(unique)
		unique = append(unique, l)
	}
	return unique
}

// Recent returns up to limit rows, newest first
func (s *PostgresStore) Recent(ctx context.Context, limit int) ([]Vehicle, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, url, titulo, precio_contado_raw, precio_contado,
			precio_financiado_raw, precio_financiado, financiacion_disponible,
			tags, detalles_ficha, created_at
		FROM vehiculos
		ORDER BY created_at DESC, id DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, errs.NewStore(stage, "query recent", err)
	}
	defer rows.Close()

	var vehicles []Vehicle
	for rows.Next() {
		var v Vehicle
		var listPrice, financedPrice sql.NullFloat64
		if err := rows.Scan(
			&v.ID, &v.URL, &v.Title,
			&v.ListPriceRaw, &listPrice,
			&v.FinancedPriceRaw, &financedPrice,
			&v.FinancingOffered,
			pq.Array(&v.Tags), pq.Array(&v.DetailFields),
			&v.CreatedAt,
		); err != nil {
			return nil, errs.NewStore(stage, "scan row", err)
		}
		if listPrice.Valid {
			v.ListPrice = &listPrice.Float64
		}
		if financedPrice.Valid {
			v.FinancedPrice = &financedPrice.Float64
		}
		vehicles = append(vehicles, v)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.NewStore(stage, "iterate rows", err)
	}
	return vehicles, nil
}

// Close closes the database connection
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// ToVehicle maps a merged listing to its table row
func ToVehicle(l crawler.Listing) Vehicle {
	tags := l.Tags
	if tags == nil {
		tags = []string{}
	}
	return Vehicle{
		URL:              l.URL,
		Title:            l.Title,
		ListPriceRaw:     l.ListPrice,
		ListPrice:        normalize.Euros(l.ListPrice),
		FinancedPriceRaw: l.FinancedPrice,
		FinancedPrice:    normalize.Euros(l.FinancedPrice),
		FinancingOffered: l.FinancedPrice != nil,
		Tags:             tags,
		DetailFields:     l.DetailFields,
	}
}
