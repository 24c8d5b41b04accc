package buildcoordinator_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rat-data/rat/platform/internal/buildcoordinator"
	"github.com/rat-data/rat/platform/internal/domain"
	"github.com/rat-data/rat/platform/internal/engine"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSoftwareStore struct {
	software       map[string]*domain.Software
	versions       map[string]*domain.SoftwareVersion // key: softwareID|commit
	tags           map[string]*domain.SoftwareVersion // key: softwareID|tag
	builds         map[uuid.UUID]*domain.SoftwareBuild
	createBuildErr error // simulate a lost race on the unique index
}

func newFakeSoftwareStore() *fakeSoftwareStore {
	return &fakeSoftwareStore{
		software: map[string]*domain.Software{},
		versions: map[string]*domain.SoftwareVersion{},
		tags:     map[string]*domain.SoftwareVersion{},
		builds:   map[uuid.UUID]*domain.SoftwareBuild{},
	}
}

func (f *fakeSoftwareStore) GetSoftwareByName(ctx context.Context, name string) (*domain.Software, error) {
	return f.software[name], nil
}

func (f *fakeSoftwareStore) GetOrCreateSoftwareVersion(ctx context.Context, softwareID uuid.UUID, commit string, commitDate time.Time) (*domain.SoftwareVersion, error) {
	key := softwareID.String() + "|" + commit
	if v, ok := f.versions[key]; ok {
		return v, nil
	}
	v := &domain.SoftwareVersion{ID: uuid.New(), SoftwareID: softwareID, Commit: commit, CommitDate: commitDate, CreatedAt: commitDate}
	f.versions[key] = v
	return v, nil
}

func (f *fakeSoftwareStore) AttachTag(ctx context.Context, softwareVersionID uuid.UUID, tag string) error {
	for _, v := range f.versions {
		if v.ID == softwareVersionID {
			f.tags[v.SoftwareID.String()+"|"+tag] = v
			return nil
		}
	}
	return nil
}

func (f *fakeSoftwareStore) FindByTag(ctx context.Context, softwareID uuid.UUID, tag string) (*domain.SoftwareVersion, error) {
	return f.tags[softwareID.String()+"|"+tag], nil
}

func (f *fakeSoftwareStore) FindActiveBuild(ctx context.Context, softwareVersionID uuid.UUID) (*domain.SoftwareBuild, error) {
	for _, b := range f.builds {
		if b.SoftwareVersionID == softwareVersionID && !b.Status.Terminal() {
			return b, nil
		}
	}
	return nil, nil
}

func (f *fakeSoftwareStore) CreateSoftwareBuild(ctx context.Context, b *domain.SoftwareBuild) error {
	if f.createBuildErr != nil {
		return f.createBuildErr
	}
	b.ID = uuid.New()
	b.Status = domain.BuildStatusCreated
	f.builds[b.ID] = b
	return nil
}

func (f *fakeSoftwareStore) UpdateBuildStatus(ctx context.Context, id uuid.UUID, status domain.BuildStatus, cromwellJobID, imageURL *string) error {
	b := f.builds[id]
	if b == nil {
		return errors.New("build not found")
	}
	b.Status = status
	if cromwellJobID != nil {
		b.CromwellJobID = cromwellJobID
	}
	if imageURL != nil {
		b.ImageURL = imageURL
	}
	return nil
}

type fakeEngine struct {
	jobID string
	err   error
}

func (f *fakeEngine) Submit(ctx context.Context, req engine.SubmitRequest) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return f.jobID, nil
}
func (f *fakeEngine) Status(ctx context.Context, jobID string) (engine.CromwellStatus, error) {
	return engine.CromwellSucceeded, nil
}
func (f *fakeEngine) Outputs(ctx context.Context, jobID string) (map[string]interface{}, error) {
	return map[string]interface{}{"build.image_url": "gcr.io/proj/gatk:abc123"}, nil
}
func (f *fakeEngine) Abort(ctx context.Context, jobID string) error { return nil }

func TestCoordinator_Resolve_UnknownSoftware(t *testing.T) {
	store := newFakeSoftwareStore()
	c := buildcoordinator.New(store, nil, &fakeEngine{jobID: "job-1"})

	_, err := c.Resolve(context.Background(), buildcoordinator.ImageBuildRef{Software: "nope", CommitOrTag: "abc0123456789abcdef0123456789abcdef012345"})
	assert.ErrorIs(t, err, domain.ErrUnknownSoftware)
}

func TestCoordinator_Resolve_CommitHash_StartsNewBuild(t *testing.T) {
	store := newFakeSoftwareStore()
	sw := &domain.Software{ID: uuid.New(), Name: "gatk", Repository: "https://example.com/gatk.git"}
	store.software["gatk"] = sw

	c := buildcoordinator.New(store, nil, &fakeEngine{jobID: "job-1"})
	commit := "0123456789abcdef0123456789abcdef01234567"

	resolution, err := c.Resolve(context.Background(), buildcoordinator.ImageBuildRef{Software: "gatk", CommitOrTag: commit})
	require.NoError(t, err)
	require.NotNil(t, resolution.Build)
	assert.Equal(t, domain.BuildStatusSubmitted, resolution.Build.Status)
	assert.Equal(t, "job-1", *resolution.Build.CromwellJobID)
}

func TestCoordinator_Resolve_JoinsExistingActiveBuild(t *testing.T) {
	store := newFakeSoftwareStore()
	sw := &domain.Software{ID: uuid.New(), Name: "gatk", Repository: "https://example.com/gatk.git"}
	store.software["gatk"] = sw

	commit := "0123456789abcdef0123456789abcdef01234567"
	version, err := store.GetOrCreateSoftwareVersion(context.Background(), sw.ID, commit, time.Now())
	require.NoError(t, err)
	existing := &domain.SoftwareBuild{ID: uuid.New(), SoftwareVersionID: version.ID, Status: domain.BuildStatusRunning}
	store.builds[existing.ID] = existing

	c := buildcoordinator.New(store, nil, &fakeEngine{jobID: "job-should-not-be-used"})
	resolution, err := c.Resolve(context.Background(), buildcoordinator.ImageBuildRef{Software: "gatk", CommitOrTag: commit})
	require.NoError(t, err)
	assert.Equal(t, existing.ID, resolution.Build.ID)
	assert.Equal(t, domain.BuildStatusRunning, resolution.Build.Status)
}

func TestCoordinator_Resolve_LostRaceJoinsWinner(t *testing.T) {
	store := newFakeSoftwareStore()
	sw := &domain.Software{ID: uuid.New(), Name: "gatk", Repository: "https://example.com/gatk.git"}
	store.software["gatk"] = sw

	commit := "0123456789abcdef0123456789abcdef01234567"
	version, err := store.GetOrCreateSoftwareVersion(context.Background(), sw.ID, commit, time.Now())
	require.NoError(t, err)

	store.createBuildErr = domain.ErrAlreadyExists
	winner := &domain.SoftwareBuild{ID: uuid.New(), SoftwareVersionID: version.ID, Status: domain.BuildStatusSubmitted}
	store.builds[winner.ID] = winner

	c := buildcoordinator.New(store, nil, &fakeEngine{jobID: "job-loser"})
	resolution, err := c.Resolve(context.Background(), buildcoordinator.ImageBuildRef{Software: "gatk", CommitOrTag: commit})
	require.NoError(t, err)
	assert.Equal(t, winner.ID, resolution.Build.ID)
}

func TestCoordinator_Resolve_BuildSubmitFailureMarksFailed(t *testing.T) {
	store := newFakeSoftwareStore()
	sw := &domain.Software{ID: uuid.New(), Name: "gatk", Repository: "https://example.com/gatk.git"}
	store.software["gatk"] = sw

	c := buildcoordinator.New(store, nil, &fakeEngine{err: errors.New("engine unreachable")})
	commit := "0123456789abcdef0123456789abcdef01234567"

	_, err := c.Resolve(context.Background(), buildcoordinator.ImageBuildRef{Software: "gatk", CommitOrTag: commit})
	require.Error(t, err)

	for _, b := range store.builds {
		assert.Equal(t, domain.BuildStatusFailed, b.Status)
	}
}
