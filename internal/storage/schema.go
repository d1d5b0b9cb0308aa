package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Schema holds the relational DDL. The trigram and full-text indexes
// back the lexical search strategy; btree indexes back the filter
// surfaces.
const Schema = `
CREATE EXTENSION IF NOT EXISTS pg_trgm;
CREATE EXTENSION IF NOT EXISTS "uuid-ossp";

CREATE TABLE IF NOT EXISTS materials (
  id            uuid PRIMARY KEY,
  name          varchar(200) NOT NULL,
  use_category  varchar(200) NOT NULL DEFAULT '',
  unit          varchar(100) NOT NULL,
  sku           varchar(50),
  description   text,
  color         varchar(100),
  created_at    timestamptz NOT NULL DEFAULT now(),
  updated_at    timestamptz NOT NULL DEFAULT now(),
  CONSTRAINT materials_sku_unique UNIQUE (sku),
  CONSTRAINT materials_identity_unique UNIQUE (name, unit)
);

CREATE INDEX IF NOT EXISTS materials_name_trgm ON materials USING gin (name gin_trgm_ops);
CREATE INDEX IF NOT EXISTS materials_descr_trgm ON materials USING gin (description gin_trgm_ops);
CREATE INDEX IF NOT EXISTS materials_fts
  ON materials USING gin (to_tsvector('simple', name || ' ' || coalesce(description, '')));
CREATE INDEX IF NOT EXISTS materials_category_idx ON materials (use_category);
CREATE INDEX IF NOT EXISTS materials_unit_idx ON materials (unit);
CREATE INDEX IF NOT EXISTS materials_sku_idx ON materials (sku);
CREATE INDEX IF NOT EXISTS materials_created_idx ON materials (created_at);

CREATE TABLE IF NOT EXISTS raw_products (
  id                   uuid PRIMARY KEY,
  supplier_id          varchar(100) NOT NULL,
  pricelist_id         varchar(100),
  name                 varchar(500) NOT NULL,
  sku                  varchar(50),
  use_category         varchar(200),
  unit_price           numeric(14,2) NOT NULL,
  unit_price_currency  varchar(10) NOT NULL DEFAULT 'RUB',
  buy_price            numeric(14,2),
  sale_price           numeric(14,2),
  unit_calc_price      numeric(14,2),
  calc_unit            varchar(100) NOT NULL,
  count                numeric(14,3) NOT NULL DEFAULT 1,
  date_price_change    date,
  is_processed         boolean NOT NULL DEFAULT false,
  upload_date          timestamptz NOT NULL DEFAULT now(),
  created              timestamptz NOT NULL DEFAULT now(),
  modified             timestamptz NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS raw_products_supplier_idx ON raw_products (supplier_id);
CREATE INDEX IF NOT EXISTS raw_products_pricelist_idx ON raw_products (pricelist_id);
CREATE INDEX IF NOT EXISTS raw_products_processed_idx ON raw_products (is_processed);

CREATE TABLE IF NOT EXISTS categories (
  id          uuid PRIMARY KEY,
  name        varchar(200) NOT NULL UNIQUE,
  description text,
  created_at  timestamptz NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS units (
  id          uuid PRIMARY KEY,
  name        varchar(100) NOT NULL UNIQUE,
  description text,
  created_at  timestamptz NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS processing_requests (
  request_id     uuid PRIMARY KEY,
  status         varchar(20) NOT NULL,
  total          integer NOT NULL DEFAULT 0,
  processed      integer NOT NULL DEFAULT 0,
  succeeded      integer NOT NULL DEFAULT 0,
  failed_count   integer NOT NULL DEFAULT 0,
  current_stage  varchar(20) NOT NULL DEFAULT 'parse',
  error          text,
  created_at     timestamptz NOT NULL DEFAULT now(),
  started_at     timestamptz,
  completed_at   timestamptz
);

CREATE INDEX IF NOT EXISTS processing_requests_status_idx ON processing_requests (status);
CREATE INDEX IF NOT EXISTS processing_requests_completed_idx ON processing_requests (completed_at);

CREATE TABLE IF NOT EXISTS processing_records (
  request_id      uuid NOT NULL REFERENCES processing_requests(request_id) ON DELETE CASCADE,
  material_key    varchar(200) NOT NULL,
  status          varchar(20) NOT NULL DEFAULT 'pending',
  stage           varchar(20) NOT NULL DEFAULT 'parse',
  input_snapshot  jsonb,
  output          jsonb,
  error           text,
  attempts        integer NOT NULL DEFAULT 0,
  updated_at      timestamptz NOT NULL DEFAULT now(),
  PRIMARY KEY (request_id, material_key)
);

CREATE INDEX IF NOT EXISTS processing_records_status_idx ON processing_records (request_id, status);
`

// Migrate applies the schema and sets the session trigram threshold.
func Migrate(ctx context.Context, db *sql.DB, trigramThreshold float64) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if _, err := db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}

	if trigramThreshold > 0 {
		if _, err := db.ExecContext(ctx,
			fmt.Sprintf("SELECT set_limit(%g)", trigramThreshold)); err != nil {
			return fmt.Errorf("set trigram threshold: %w", err)
		}
	}

	return nil
}
