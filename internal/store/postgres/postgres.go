// Package postgres implements store.Store on PostgreSQL using pgx.
package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jobref/pipeline/internal/domain"
	"github.com/jobref/pipeline/internal/store"
)

//go:embed schema.sql
var schema string

const uniqueViolation = "23505"

// Options tunes the connection pool.
type Options struct {
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	// DisableStatementCache is needed behind PgBouncer in transaction mode.
	DisableStatementCache bool
}

// Store is a pgxpool-backed store.Store.
type Store struct {
	db *pgxpool.Pool
}

var _ store.Store = (*Store)(nil)

// Connect opens a pool and verifies it with a ping.
func Connect(ctx context.Context, connString string, opts Options) (*Store, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database url: %w", err)
	}

	config.MaxConns = 10
	config.MinConns = 2
	config.MaxConnLifetime = time.Hour
	if opts.MaxConns > 0 {
		config.MaxConns = opts.MaxConns
	}
	if opts.MinConns > 0 {
		config.MinConns = opts.MinConns
	}
	if opts.MaxConnLifetime > 0 {
		config.MaxConnLifetime = opts.MaxConnLifetime
	}
	if opts.DisableStatementCache {
		config.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeExec
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("database unreachable: %w", err)
	}
	return &Store{db: pool}, nil
}

// Migrate creates missing tables and indexes.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, schema, pgx.QueryExecModeSimpleProtocol); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

func (s *Store) Close() {
	if s.db != nil {
		s.db.Close()
	}
}

// mapError translates driver errors into store sentinels.
func mapError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, store.ErrNotFound)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return fmt.Errorf("%s: %s: %w", op, pgErr.ConstraintName, store.ErrConflict)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func nullText(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func idStrings(ids []uuid.UUID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}

// ---------------- EMPLOYERS ----------------

const employerColumns = `id, name, last_scrape_at, last_scrape_success_at, scrape_failed, created_at, modified_at`

func scanEmployer(row pgx.Row) (*domain.Employer, error) {
	var e domain.Employer
	err := row.Scan(&e.ID, &e.Name, &e.LastScrapeAt, &e.LastScrapeSuccessAt, &e.ScrapeFailed, &e.CreatedAt, &e.ModifiedAt)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// EnsureEmployer returns the employer with the given name, creating it if needed.
func (s *Store) EnsureEmployer(ctx context.Context, name string) (*domain.Employer, error) {
	now := time.Now().UTC()
	query := `
		INSERT INTO employers (id, name, created_at, modified_at)
		VALUES ($1, $2, $3, $3)
		ON CONFLICT ((lower(name))) DO UPDATE SET name = employers.name
		RETURNING ` + employerColumns
	e, err := scanEmployer(s.db.QueryRow(ctx, query, uuid.New(), name, now))
	if err != nil {
		return nil, mapError("ensure employer", err)
	}
	return e, nil
}

func (s *Store) ListEmployers(ctx context.Context) ([]*domain.Employer, error) {
	rows, err := s.db.Query(ctx, `SELECT `+employerColumns+` FROM employers ORDER BY name`)
	if err != nil {
		return nil, mapError("list employers", err)
	}
	defer rows.Close()

	var out []*domain.Employer
	for rows.Next() {
		e, err := scanEmployer(rows)
		if err != nil {
			return nil, mapError("scan employer", err)
		}
		out = append(out, e)
	}
	return out, mapError("list employers", rows.Err())
}

func (s *Store) RecordScrapeStatus(ctx context.Context, employerID uuid.UUID, status domain.EmployerScrapeStatus) error {
	ranAt := status.RanAt.UTC()
	tag, err := s.db.Exec(ctx, `
		UPDATE employers
		SET last_scrape_at = $2,
		    last_scrape_success_at = CASE WHEN $3 THEN $2 ELSE last_scrape_success_at END,
		    scrape_failed = NOT $3,
		    modified_at = $2
		WHERE id = $1`, employerID, ranAt, status.Succeeded)
	if err != nil {
		return mapError("record scrape status", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("record scrape status: %w", store.ErrNotFound)
	}
	return nil
}

// ---------------- LOCATIONS ----------------

const locationColumns = `id, text, is_remote, city, state, country, country_code, postal_code,
	latitude, longitude, lat_text, long_text, created_at, modified_at`

func scanLocation(row pgx.Row) (*domain.CanonicalLocation, error) {
	var (
		l                 domain.CanonicalLocation
		latText, longText *string
	)
	err := row.Scan(&l.ID, &l.Text, &l.IsRemote, &l.City, &l.State, &l.Country, &l.CountryCode, &l.PostalCode,
		&l.Latitude, &l.Longitude, &latText, &longText, &l.CreatedAt, &l.ModifiedAt)
	if err != nil {
		return nil, err
	}
	if latText != nil {
		l.LatText = *latText
	}
	if longText != nil {
		l.LongText = *longText
	}
	return &l, nil
}

// ListLocationLookups returns every lookup with the locations they point at.
func (s *Store) ListLocationLookups(ctx context.Context) ([]*domain.LocationLookup, []*domain.CanonicalLocation, error) {
	rows, err := s.db.Query(ctx, `SELECT text, location_id, raw_response, created_at, modified_at FROM location_lookups`)
	if err != nil {
		return nil, nil, mapError("list location lookups", err)
	}
	var lookups []*domain.LocationLookup
	for rows.Next() {
		var (
			l   domain.LocationLookup
			raw []byte
		)
		if err := rows.Scan(&l.Text, &l.LocationID, &raw, &l.CreatedAt, &l.ModifiedAt); err != nil {
			rows.Close()
			return nil, nil, mapError("scan location lookup", err)
		}
		l.RawResponse = raw
		lookups = append(lookups, &l)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, nil, mapError("list location lookups", err)
	}

	rows, err = s.db.Query(ctx, `SELECT `+locationColumns+` FROM locations
		WHERE id IN (SELECT DISTINCT location_id FROM location_lookups)`)
	if err != nil {
		return nil, nil, mapError("list locations", err)
	}
	defer rows.Close()
	var locations []*domain.CanonicalLocation
	for rows.Next() {
		loc, err := scanLocation(rows)
		if err != nil {
			return nil, nil, mapError("scan location", err)
		}
		locations = append(locations, loc)
	}
	return lookups, locations, mapError("list locations", rows.Err())
}

func (s *Store) FindLocation(ctx context.Context, q store.LocationQuery) (*domain.CanonicalLocation, error) {
	if q.Text == "" && (q.LatText == "" || q.LongText == "") {
		return nil, store.ErrNotFound
	}
	query := `SELECT ` + locationColumns + ` FROM locations
		WHERE is_remote = $1
		  AND (($2 <> '' AND lower(text) = lower($2))
		    OR ($3 <> '' AND $4 <> '' AND lat_text = $3 AND long_text = $4))
		ORDER BY (lower(text) = lower($2)) DESC
		LIMIT 1`
	loc, err := scanLocation(s.db.QueryRow(ctx, query, q.IsRemote, q.Text, q.LatText, q.LongText))
	if err != nil {
		return nil, mapError("find location", err)
	}
	return loc, nil
}

func (s *Store) CreateLocation(ctx context.Context, loc *domain.CanonicalLocation) error {
	if loc.ID == uuid.Nil {
		loc.ID = uuid.New()
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO locations (id, text, is_remote, city, state, country, country_code, postal_code,
			latitude, longitude, lat_text, long_text, created_at, modified_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		loc.ID, loc.Text, loc.IsRemote, loc.City, loc.State, loc.Country, loc.CountryCode, loc.PostalCode,
		loc.Latitude, loc.Longitude, nullText(loc.LatText), nullText(loc.LongText), loc.CreatedAt, loc.ModifiedAt)
	return mapError("create location", err)
}

func (s *Store) UpdateLocation(ctx context.Context, loc *domain.CanonicalLocation) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE locations
		SET text = $2, is_remote = $3, city = $4, state = $5, country = $6, country_code = $7,
		    postal_code = $8, latitude = $9, longitude = $10, lat_text = $11, long_text = $12,
		    modified_at = $13
		WHERE id = $1`,
		loc.ID, loc.Text, loc.IsRemote, loc.City, loc.State, loc.Country, loc.CountryCode,
		loc.PostalCode, loc.Latitude, loc.Longitude, nullText(loc.LatText), nullText(loc.LongText), loc.ModifiedAt)
	if err != nil {
		return mapError("update location", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update location: %w", store.ErrNotFound)
	}
	return nil
}

func (s *Store) UpsertLocationLookup(ctx context.Context, lookup *domain.LocationLookup) error {
	var raw []byte
	if len(lookup.RawResponse) > 0 {
		raw = lookup.RawResponse
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO location_lookups (text, location_id, raw_response, created_at, modified_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (text) DO UPDATE
		SET location_id = EXCLUDED.location_id,
		    raw_response = EXCLUDED.raw_response,
		    modified_at = EXCLUDED.modified_at`,
		domain.CapLookupText(lookup.Text), lookup.LocationID, raw, lookup.CreatedAt, lookup.ModifiedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23503" {
		return fmt.Errorf("upsert location lookup: %w", store.ErrNotFound)
	}
	return mapError("upsert location lookup", err)
}

// ---------------- JOBS ----------------

const jobColumns = `j.id, j.employer_id, j.title, j.description, j.department_id, j.employment_type,
	j.application_url, j.open_date, j.close_date, j.salary_currency, j.salary_floor, j.salary_ceiling,
	j.salary_interval, j.is_scraped, j.created_at, j.modified_at,
	COALESCE(array_agg(l.location_id::text) FILTER (WHERE l.location_id IS NOT NULL), '{}')`

func (s *Store) ListScrapedJobs(ctx context.Context, employerID uuid.UUID, closedSince time.Time) ([]*domain.EmployerJob, error) {
	var since *time.Time
	if !closedSince.IsZero() {
		t := closedSince.UTC()
		since = &t
	}
	rows, err := s.db.Query(ctx, `
		SELECT `+jobColumns+`
		FROM employer_jobs j
		LEFT JOIN employer_job_locations l ON l.job_id = j.id
		WHERE j.employer_id = $1 AND j.is_scraped
		  AND (j.close_date IS NULL OR $2::timestamptz IS NULL OR j.close_date >= $2)
		GROUP BY j.id
		ORDER BY j.title, j.id`, employerID, since)
	if err != nil {
		return nil, mapError("list scraped jobs", err)
	}
	defer rows.Close()

	var out []*domain.EmployerJob
	for rows.Next() {
		var (
			j        domain.EmployerJob
			interval string
			locIDs   []string
		)
		err := rows.Scan(&j.ID, &j.EmployerID, &j.Title, &j.Description, &j.DepartmentID, &j.EmploymentType,
			&j.ApplicationURL, &j.OpenDate, &j.CloseDate, &j.Compensation.Currency, &j.Compensation.Floor,
			&j.Compensation.Ceiling, &interval, &j.IsScraped, &j.CreatedAt, &j.ModifiedAt, &locIDs)
		if err != nil {
			return nil, mapError("scan job", err)
		}
		j.Compensation.Interval = domain.SalaryInterval(interval)
		for _, raw := range locIDs {
			id, err := uuid.Parse(raw)
			if err != nil {
				return nil, fmt.Errorf("scan job %s: bad location id %q: %w", j.ID, raw, err)
			}
			j.LocationIDs = append(j.LocationIDs, id)
		}
		j.LocationIDs = domain.SortedLocationIDs(j.LocationIDs)
		out = append(out, &j)
	}
	return out, mapError("list scraped jobs", rows.Err())
}

func (s *Store) CreateJob(ctx context.Context, job *domain.EmployerJob) error {
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	return s.withTx(ctx, "create job", func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO employer_jobs (id, employer_id, title, description, department_id, employment_type,
				application_url, open_date, close_date, salary_currency, salary_floor, salary_ceiling,
				salary_interval, is_scraped, created_at, modified_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
			job.ID, job.EmployerID, job.Title, job.Description, job.DepartmentID, job.EmploymentType,
			job.ApplicationURL, job.OpenDate, job.CloseDate, job.Compensation.Currency, job.Compensation.Floor,
			job.Compensation.Ceiling, string(job.Compensation.Interval), job.IsScraped, job.CreatedAt, job.ModifiedAt)
		if err != nil {
			return err
		}
		return replaceJobLocations(ctx, tx, job)
	})
}

func (s *Store) UpdateJob(ctx context.Context, job *domain.EmployerJob) error {
	return s.withTx(ctx, "update job", func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE employer_jobs
			SET title = $2, description = $3, department_id = $4, employment_type = $5,
			    application_url = $6, open_date = $7, close_date = $8, salary_currency = $9,
			    salary_floor = $10, salary_ceiling = $11, salary_interval = $12, is_scraped = $13,
			    modified_at = $14
			WHERE id = $1`,
			job.ID, job.Title, job.Description, job.DepartmentID, job.EmploymentType,
			job.ApplicationURL, job.OpenDate, job.CloseDate, job.Compensation.Currency,
			job.Compensation.Floor, job.Compensation.Ceiling, string(job.Compensation.Interval),
			job.IsScraped, job.ModifiedAt)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return store.ErrNotFound
		}
		return replaceJobLocations(ctx, tx, job)
	})
}

func replaceJobLocations(ctx context.Context, tx pgx.Tx, job *domain.EmployerJob) error {
	if _, err := tx.Exec(ctx, `DELETE FROM employer_job_locations WHERE job_id = $1`, job.ID); err != nil {
		return err
	}
	ids := domain.SortedLocationIDs(job.LocationIDs)
	if len(ids) == 0 {
		return nil
	}
	_, err := tx.Exec(ctx, `
		INSERT INTO employer_job_locations (job_id, location_id)
		SELECT $1, unnest($2::uuid[])`, job.ID, idStrings(ids))
	return err
}

func (s *Store) withTx(ctx context.Context, op string, fn func(pgx.Tx) error) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return mapError(op, err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if err := fn(tx); err != nil {
		return mapError(op, err)
	}
	return mapError(op, tx.Commit(ctx))
}

// TouchJobs bumps modified_at for every id in one statement.
func (s *Store) TouchJobs(ctx context.Context, ids []uuid.UUID, modified time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.db.Exec(ctx, `UPDATE employer_jobs SET modified_at = $2 WHERE id = ANY($1::uuid[])`,
		idStrings(ids), modified.UTC())
	return mapError("touch jobs", err)
}

// CloseJobs sets close_date on every still-open id in one statement.
func (s *Store) CloseJobs(ctx context.Context, ids []uuid.UUID, closeDate time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.db.Exec(ctx, `
		UPDATE employer_jobs SET close_date = $2, modified_at = $2
		WHERE id = ANY($1::uuid[]) AND close_date IS NULL`,
		idStrings(ids), closeDate.UTC())
	return mapError("close jobs", err)
}

func (s *Store) GetOrCreateDepartment(ctx context.Context, name string, now time.Time) (*domain.JobDepartment, error) {
	name = strings.TrimSpace(name)
	now = now.UTC()
	var d domain.JobDepartment
	err := s.db.QueryRow(ctx, `
		INSERT INTO job_departments (id, name, created_at, modified_at)
		VALUES ($1, $2, $3, $3)
		ON CONFLICT ((lower(name))) DO UPDATE SET name = job_departments.name
		RETURNING id, name, created_at, modified_at`, uuid.New(), name, now).
		Scan(&d.ID, &d.Name, &d.CreatedAt, &d.ModifiedAt)
	if err != nil {
		return nil, mapError("get or create department", err)
	}
	return &d, nil
}
