package store

// SQL statements for the aggregate record layout. Observation uniqueness is
// enforced by the database itself so racing merges cannot double-write a
// (vendor, period) sample even before serialization conflicts are considered.

const querySchema = `
	CREATE TABLE IF NOT EXISTS aggregate_records (
		id                   TEXT PRIMARY KEY,
		canonical_name       TEXT NOT NULL,
		category             TEXT NOT NULL DEFAULT '',
		identifier_variants  TEXT[] NOT NULL DEFAULT '{}',
		best_price           DOUBLE PRECISION NOT NULL DEFAULT 0,
		best_price_vendor    TEXT NOT NULL DEFAULT '',
		active_vendor_brands INTEGER NOT NULL DEFAULT 0,
		temporary            BOOLEAN NOT NULL DEFAULT FALSE,
		processed            BOOLEAN NOT NULL DEFAULT FALSE,
		created_at           TIMESTAMPTZ NOT NULL,
		updated_at           TIMESTAMPTZ NOT NULL
	);

	CREATE TABLE IF NOT EXISTS vendor_links (
		record_id     TEXT NOT NULL REFERENCES aggregate_records(id) ON DELETE CASCADE,
		vendor_id     TEXT NOT NULL,
		active        BOOLEAN NOT NULL DEFAULT TRUE,
		last_fetch_at TIMESTAMPTZ NOT NULL,
		last_price    DOUBLE PRECISION NOT NULL DEFAULT 0,
		source_url    TEXT NOT NULL DEFAULT '',
		source_sku    TEXT NOT NULL DEFAULT '',
		updated_at    TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (record_id, vendor_id)
	);

	CREATE TABLE IF NOT EXISTS price_observations (
		id         TEXT PRIMARY KEY,
		record_id  TEXT NOT NULL REFERENCES aggregate_records(id) ON DELETE CASCADE,
		vendor_id  TEXT NOT NULL,
		period     TEXT NOT NULL,
		price      DOUBLE PRECISION NOT NULL,
		fetched_at TIMESTAMPTZ NOT NULL,
		active     BOOLEAN NOT NULL DEFAULT TRUE,
		UNIQUE (record_id, vendor_id, period)
	);

	CREATE TABLE IF NOT EXISTS record_leases (
		record_id     TEXT NOT NULL REFERENCES aggregate_records(id) ON DELETE CASCADE,
		lease_type    TEXT NOT NULL,
		holder        TEXT NOT NULL,
		acquired_at   TIMESTAMPTZ NOT NULL,
		expires_at    TIMESTAMPTZ NOT NULL,
		extensions    INTEGER NOT NULL DEFAULT 0,
		fencing_token BIGINT NOT NULL DEFAULT 0,
		PRIMARY KEY (record_id, lease_type)
	);

	CREATE TABLE IF NOT EXISTS processing_claims (
		record_id  TEXT PRIMARY KEY REFERENCES aggregate_records(id) ON DELETE CASCADE,
		holder     TEXT NOT NULL,
		claimed_at TIMESTAMPTZ NOT NULL,
		expires_at TIMESTAMPTZ NOT NULL
	);
`

const (
	queryGetRecord = `
		SELECT id, canonical_name, category, identifier_variants,
		       best_price, best_price_vendor, active_vendor_brands,
		       temporary, processed, created_at, updated_at
		FROM aggregate_records
		WHERE id = $1
	`

	queryPutRecord = `
		INSERT INTO aggregate_records (
			id, canonical_name, category, identifier_variants,
			best_price, best_price_vendor, active_vendor_brands,
			temporary, processed, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET
			canonical_name       = EXCLUDED.canonical_name,
			category             = EXCLUDED.category,
			identifier_variants  = EXCLUDED.identifier_variants,
			best_price           = EXCLUDED.best_price,
			best_price_vendor    = EXCLUDED.best_price_vendor,
			active_vendor_brands = EXCLUDED.active_vendor_brands,
			temporary            = EXCLUDED.temporary,
			processed            = EXCLUDED.processed,
			updated_at           = EXCLUDED.updated_at
	`

	queryDeleteRecord = `DELETE FROM aggregate_records WHERE id = $1`

	queryListVendorLinks = `
		SELECT record_id, vendor_id, active, last_fetch_at, last_price,
		       source_url, source_sku, updated_at
		FROM vendor_links
		WHERE record_id = $1
		ORDER BY vendor_id
	`

	queryUpsertVendorLink = `
		INSERT INTO vendor_links (
			record_id, vendor_id, active, last_fetch_at, last_price,
			source_url, source_sku, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (record_id, vendor_id) DO UPDATE SET
			active        = EXCLUDED.active,
			last_fetch_at = EXCLUDED.last_fetch_at,
			last_price    = EXCLUDED.last_price,
			source_url    = EXCLUDED.source_url,
			source_sku    = EXCLUDED.source_sku,
			updated_at    = EXCLUDED.updated_at
	`

	queryInsertObservation = `
		INSERT INTO price_observations (
			id, record_id, vendor_id, period, price, fetched_at, active
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (record_id, vendor_id, period) DO NOTHING
	`

	queryListObservations = `
		SELECT id, record_id, vendor_id, period, price, fetched_at, active
		FROM price_observations
		WHERE record_id = $1
		ORDER BY period, vendor_id
	`

	queryGetLease = `
		SELECT record_id, lease_type, holder, acquired_at, expires_at,
		       extensions, fencing_token
		FROM record_leases
		WHERE record_id = $1 AND lease_type = $2
	`

	queryPutLease = `
		INSERT INTO record_leases (
			record_id, lease_type, holder, acquired_at, expires_at,
			extensions, fencing_token
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (record_id, lease_type) DO UPDATE SET
			holder        = EXCLUDED.holder,
			acquired_at   = EXCLUDED.acquired_at,
			expires_at    = EXCLUDED.expires_at,
			extensions    = EXCLUDED.extensions,
			fencing_token = EXCLUDED.fencing_token
	`

	queryDeleteLease = `DELETE FROM record_leases WHERE record_id = $1 AND lease_type = $2`

	queryGetClaim = `
		SELECT record_id, holder, claimed_at, expires_at
		FROM processing_claims
		WHERE record_id = $1
	`

	queryPutClaim = `
		INSERT INTO processing_claims (record_id, holder, claimed_at, expires_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (record_id) DO UPDATE SET
			holder     = EXCLUDED.holder,
			claimed_at = EXCLUDED.claimed_at,
			expires_at = EXCLUDED.expires_at
	`

	queryDeleteClaim = `DELETE FROM processing_claims WHERE record_id = $1`

	queryCleanupStaleTemporary = `
		DELETE FROM aggregate_records
		WHERE temporary = TRUE AND processed = FALSE AND updated_at < $1
	`
)
