package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rat-data/rat/platform/internal/domain"
)

// SoftwareStore implements CRUD access to software, software_versions,
// software_version_tags, and software_builds — the four tables the build
// coordinator (internal/buildcoordinator) reads and writes.
type SoftwareStore struct {
	pool *pgxpool.Pool
}

// NewSoftwareStore creates a SoftwareStore backed by the given pool.
func NewSoftwareStore(pool *pgxpool.Pool) *SoftwareStore {
	return &SoftwareStore{pool: pool}
}

func (s *SoftwareStore) CreateSoftware(ctx context.Context, sw *domain.Software) error {
	if sw.MachineType == "" {
		sw.MachineType = domain.MachineTypeStandard
	}
	if !domain.ValidMachineType(string(sw.MachineType)) {
		return fmt.Errorf("%w: unknown machine_type %q", domain.ErrValidation, sw.MachineType)
	}
	row := s.pool.QueryRow(ctx,
		`INSERT INTO software (name, description, repository, machine_type) VALUES ($1, $2, $3, $4) RETURNING id, created_at`,
		sw.Name, sw.Description, sw.Repository, string(sw.MachineType))
	if err := row.Scan(&sw.ID, &sw.CreatedAt); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: software name %q", domain.ErrAlreadyExists, sw.Name)
		}
		return fmt.Errorf("create software: %w", err)
	}
	return nil
}

func (s *SoftwareStore) GetSoftware(ctx context.Context, id uuid.UUID) (*domain.Software, error) {
	var sw domain.Software
	var mt string
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, description, repository, machine_type, created_at FROM software WHERE id = $1`, id,
	).Scan(&sw.ID, &sw.Name, &sw.Description, &sw.Repository, &mt, &sw.CreatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get software: %w", err)
	}
	sw.MachineType = domain.MachineType(mt)
	return &sw, nil
}

func (s *SoftwareStore) GetSoftwareByName(ctx context.Context, name string) (*domain.Software, error) {
	var sw domain.Software
	var mt string
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, description, repository, machine_type, created_at FROM software WHERE name = $1`, name,
	).Scan(&sw.ID, &sw.Name, &sw.Description, &sw.Repository, &mt, &sw.CreatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get software by name: %w", err)
	}
	sw.MachineType = domain.MachineType(mt)
	return &sw, nil
}

// GetSoftwareByRepository resolves a Software row by its clone URL — used by
// the GitHub coordinator to map a PR's repo back to the software being built
// (spec.md §4.5: the message names owner/repo, not a software id directly).
func (s *SoftwareStore) GetSoftwareByRepository(ctx context.Context, repository string) (*domain.Software, error) {
	var sw domain.Software
	var mt string
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, description, repository, machine_type, created_at FROM software WHERE repository = $1`, repository,
	).Scan(&sw.ID, &sw.Name, &sw.Description, &sw.Repository, &mt, &sw.CreatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get software by repository: %w", err)
	}
	sw.MachineType = domain.MachineType(mt)
	return &sw, nil
}

func (s *SoftwareStore) ListSoftware(ctx context.Context) ([]domain.Software, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, name, description, repository, machine_type, created_at FROM software ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list software: %w", err)
	}
	defer rows.Close()

	result := []domain.Software{}
	for rows.Next() {
		var sw domain.Software
		var mt string
		if err := rows.Scan(&sw.ID, &sw.Name, &sw.Description, &sw.Repository, &mt, &sw.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan software: %w", err)
		}
		sw.MachineType = domain.MachineType(mt)
		result = append(result, sw)
	}
	return result, rows.Err()
}

// GetOrCreateSoftwareVersion upserts a (software, commit) pair, returning the
// existing row when one already exists — resolution never creates a second
// SoftwareVersion for the same (software_id, commit).
func (s *SoftwareStore) GetOrCreateSoftwareVersion(ctx context.Context, softwareID uuid.UUID, commit string, commitDate time.Time) (*domain.SoftwareVersion, error) {
	var v domain.SoftwareVersion
	err := s.pool.QueryRow(ctx,
		`INSERT INTO software_versions (software_id, commit, commit_date) VALUES ($1, $2, $3)
		 ON CONFLICT (software_id, commit) DO UPDATE SET commit = EXCLUDED.commit
		 RETURNING id, software_id, commit, commit_date, created_at`,
		softwareID, commit, commitDate,
	).Scan(&v.ID, &v.SoftwareID, &v.Commit, &v.CommitDate, &v.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("get or create software_version: %w", err)
	}
	return &v, nil
}

func (s *SoftwareStore) GetSoftwareVersion(ctx context.Context, id uuid.UUID) (*domain.SoftwareVersion, error) {
	var v domain.SoftwareVersion
	err := s.pool.QueryRow(ctx,
		`SELECT id, software_id, commit, commit_date, created_at FROM software_versions WHERE id = $1`, id,
	).Scan(&v.ID, &v.SoftwareID, &v.Commit, &v.CommitDate, &v.CreatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get software_version: %w", err)
	}
	return &v, nil
}

// AttachTag records a tag name against a software_version, idempotently.
func (s *SoftwareStore) AttachTag(ctx context.Context, softwareVersionID uuid.UUID, tag string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO software_version_tags (software_version_id, tag) VALUES ($1, $2)
		 ON CONFLICT (software_version_id, tag) DO NOTHING`,
		softwareVersionID, tag)
	if err != nil {
		return fmt.Errorf("attach tag: %w", err)
	}
	return nil
}

// FindByTag resolves a software_version by its most recently attached tag.
func (s *SoftwareStore) FindByTag(ctx context.Context, softwareID uuid.UUID, tag string) (*domain.SoftwareVersion, error) {
	var v domain.SoftwareVersion
	err := s.pool.QueryRow(ctx,
		`SELECT sv.id, sv.software_id, sv.commit, sv.commit_date, sv.created_at
		 FROM software_versions sv
		 JOIN software_version_tags t ON t.software_version_id = sv.id
		 WHERE sv.software_id = $1 AND t.tag = $2
		 ORDER BY t.created_at DESC LIMIT 1`,
		softwareID, tag,
	).Scan(&v.ID, &v.SoftwareID, &v.Commit, &v.CommitDate, &v.CreatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("find software_version by tag: %w", err)
	}
	return &v, nil
}

// FindActiveBuild returns the current active (non-failed/aborted) build for a
// software_version, if one exists — used by the build coordinator's
// find-or-create-or-join resolution (invariant 4).
func (s *SoftwareStore) FindActiveBuild(ctx context.Context, softwareVersionID uuid.UUID) (*domain.SoftwareBuild, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, software_version_id, cromwell_job_id, image_url, build_status, finished_at, created_at
		 FROM software_builds
		 WHERE software_version_id = $1 AND build_status NOT IN ('failed', 'aborted')
		 ORDER BY created_at DESC LIMIT 1`,
		softwareVersionID)
	b, err := scanSoftwareBuild(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("find active build: %w", err)
	}
	return b, nil
}

// ListActiveBuilds returns every non-terminal software_build, for the status
// manager's periodic sweep (spec.md §4.2: "non-terminal ... software_build
// rows").
func (s *SoftwareStore) ListActiveBuilds(ctx context.Context) ([]domain.SoftwareBuild, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, software_version_id, cromwell_job_id, image_url, build_status, finished_at, created_at
		 FROM software_builds WHERE build_status NOT IN ('succeeded', 'failed', 'aborted')`)
	if err != nil {
		return nil, fmt.Errorf("list active software_builds: %w", err)
	}
	defer rows.Close()

	result := []domain.SoftwareBuild{}
	for rows.Next() {
		b, err := scanSoftwareBuild(rows)
		if err != nil {
			return nil, fmt.Errorf("scan software_build: %w", err)
		}
		result = append(result, *b)
	}
	return result, rows.Err()
}

func scanSoftwareBuild(row pgx.Row) (*domain.SoftwareBuild, error) {
	var b domain.SoftwareBuild
	var status string
	var cromwellJobID, imageURL *string
	err := row.Scan(&b.ID, &b.SoftwareVersionID, &cromwellJobID, &imageURL, &status, &b.FinishedAt, &b.CreatedAt)
	if err != nil {
		return nil, err
	}
	b.Status = domain.BuildStatus(status)
	b.CromwellJobID = cromwellJobID
	b.ImageURL = imageURL
	return &b, nil
}

// CreateSoftwareBuild inserts a new build attempt. A concurrent insert
// against the same software_version_id is rejected by the partial unique
// index (migrations/0002_software_build.sql) — the caller should treat a
// unique violation here as "another build won the race, go find it".
func (s *SoftwareStore) CreateSoftwareBuild(ctx context.Context, b *domain.SoftwareBuild) error {
	row := s.pool.QueryRow(ctx,
		`INSERT INTO software_builds (software_version_id, build_status) VALUES ($1, $2) RETURNING id, created_at`,
		b.SoftwareVersionID, string(domain.BuildStatusCreated))
	if err := row.Scan(&b.ID, &b.CreatedAt); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: an active build already exists for this software_version", domain.ErrAlreadyExists)
		}
		return fmt.Errorf("create software_build: %w", err)
	}
	b.Status = domain.BuildStatusCreated
	return nil
}

func (s *SoftwareStore) GetSoftwareBuild(ctx context.Context, id uuid.UUID) (*domain.SoftwareBuild, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, software_version_id, cromwell_job_id, image_url, build_status, finished_at, created_at
		 FROM software_builds WHERE id = $1`, id)
	b, err := scanSoftwareBuild(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get software_build: %w", err)
	}
	return b, nil
}

// UpdateBuildStatus transitions a build's status, optionally recording the
// Cromwell job id (on submit) or the final image_url (on success). finished_at
// is set iff the new status is terminal (domain.BuildStatus.Terminal).
func (s *SoftwareStore) UpdateBuildStatus(ctx context.Context, id uuid.UUID, status domain.BuildStatus, cromwellJobID, imageURL *string) error {
	finishedAtSQL := ""
	if status.Terminal() {
		finishedAtSQL = ", finished_at = now()"
	}
	_, err := s.pool.Exec(ctx,
		`UPDATE software_builds SET build_status = $1, cromwell_job_id = COALESCE($2, cromwell_job_id), image_url = COALESCE($3, image_url)`+finishedAtSQL+`
		 WHERE id = $4`,
		string(status), cromwellJobID, imageURL, id)
	if err != nil {
		return fmt.Errorf("update software_build status: %w", err)
	}
	return nil
}
