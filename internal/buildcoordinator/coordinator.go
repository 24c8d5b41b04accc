package buildcoordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rat-data/rat/platform/internal/domain"
	"github.com/rat-data/rat/platform/internal/engine"
	carrotgit "github.com/rat-data/rat/platform/internal/git"
)

// SoftwareStore is the persistence surface the coordinator needs —
// satisfied by *postgres.SoftwareStore.
type SoftwareStore interface {
	GetSoftwareByName(ctx context.Context, name string) (*domain.Software, error)
	GetOrCreateSoftwareVersion(ctx context.Context, softwareID uuid.UUID, commit string, commitDate time.Time) (*domain.SoftwareVersion, error)
	AttachTag(ctx context.Context, softwareVersionID uuid.UUID, tag string) error
	FindByTag(ctx context.Context, softwareID uuid.UUID, tag string) (*domain.SoftwareVersion, error)
	FindActiveBuild(ctx context.Context, softwareVersionID uuid.UUID) (*domain.SoftwareBuild, error)
	CreateSoftwareBuild(ctx context.Context, b *domain.SoftwareBuild) error
	UpdateBuildStatus(ctx context.Context, id uuid.UUID, status domain.BuildStatus, cromwellJobID, imageURL *string) error
}

// Coordinator resolves image_build: references against software_versions
// and software_builds, submitting and deduplicating build workflows
// (spec.md §4.3).
type Coordinator struct {
	software SoftwareStore
	mirrors  *carrotgit.Mirrors
	engine   engine.Engine
}

// New creates a Coordinator.
func New(software SoftwareStore, mirrors *carrotgit.Mirrors, eng engine.Engine) *Coordinator {
	return &Coordinator{software: software, mirrors: mirrors, engine: eng}
}

// Resolution is the outcome of resolving one ImageBuildRef: the
// software_version it names, and either its already-resolved image URL or
// the software_build row a run should join/wait on.
type Resolution struct {
	SoftwareVersionID uuid.UUID
	Build             *domain.SoftwareBuild
}

// Resolve implements spec.md §4.3 steps 1-4 for a single image_build
// reference: resolve the commit, upsert the software_version, then find,
// join, or start the build.
func (c *Coordinator) Resolve(ctx context.Context, ref ImageBuildRef) (*Resolution, error) {
	sw, err := c.software.GetSoftwareByName(ctx, ref.Software)
	if err != nil {
		return nil, fmt.Errorf("look up software %q: %w", ref.Software, err)
	}
	if sw == nil {
		return nil, fmt.Errorf("%w: %q", domain.ErrUnknownSoftware, ref.Software)
	}

	version, err := c.resolveVersion(ctx, sw, ref.CommitOrTag)
	if err != nil {
		return nil, err
	}

	build, err := c.findOrStartBuild(ctx, sw, version)
	if err != nil {
		return nil, err
	}

	return &Resolution{SoftwareVersionID: version.ID, Build: build}, nil
}

// resolveVersion maps a commit hash or tag to a software_version row,
// refreshing the git mirror and shelling out to resolve a tag only when the
// tag isn't already cached (spec.md §4.3 step 2).
func (c *Coordinator) resolveVersion(ctx context.Context, sw *domain.Software, commitOrTag string) (*domain.SoftwareVersion, error) {
	if IsCommitHash(commitOrTag) {
		commitDate, err := c.mirrors.CommitDate(sw.ID, commitOrTag)
		if err != nil {
			if err := c.mirrors.Refresh(ctx, sw.ID, sw.Repository); err != nil {
				return nil, fmt.Errorf("%w: refresh mirror for %s: %v", domain.ErrExternalTransient, sw.Name, err)
			}
			commitDate, err = c.mirrors.CommitDate(sw.ID, commitOrTag)
			if err != nil {
				return nil, fmt.Errorf("%w: resolve commit %s: %v", domain.ErrValidation, commitOrTag, err)
			}
		}
		return c.software.GetOrCreateSoftwareVersion(ctx, sw.ID, commitOrTag, commitDate)
	}

	if cached, err := c.software.FindByTag(ctx, sw.ID, commitOrTag); err == nil && cached != nil {
		return cached, nil
	}

	if err := c.mirrors.Refresh(ctx, sw.ID, sw.Repository); err != nil {
		return nil, fmt.Errorf("%w: refresh mirror for %s: %v", domain.ErrExternalTransient, sw.Name, err)
	}
	commit, err := c.mirrors.ResolveTag(sw.ID, commitOrTag)
	if err != nil {
		if errors.Is(err, carrotgit.ErrTagNotFound) {
			return nil, fmt.Errorf("%w: unknown tag %s for software %s", domain.ErrValidation, commitOrTag, sw.Name)
		}
		return nil, fmt.Errorf("%w: resolve tag %s: %v", domain.ErrExternalTransient, commitOrTag, err)
	}
	commitDate, err := c.mirrors.CommitDate(sw.ID, commit)
	if err != nil {
		return nil, fmt.Errorf("%w: resolve commit date for %s: %v", domain.ErrCarrotInternal, commit, err)
	}

	version, err := c.software.GetOrCreateSoftwareVersion(ctx, sw.ID, commit, commitDate)
	if err != nil {
		return nil, err
	}
	if err := c.software.AttachTag(ctx, version.ID, commitOrTag); err != nil {
		return nil, fmt.Errorf("attach tag %s: %w", commitOrTag, err)
	}
	return version, nil
}

// findOrStartBuild implements spec.md §4.3 step 4: reuse a succeeded build,
// join an in-flight one, or submit a new one. The database's partial
// unique index on software_builds is the authority on the at-most-one-
// active invariant — a unique-violation here means another run's resolver
// won the race, and this call re-reads to join that build instead.
func (c *Coordinator) findOrStartBuild(ctx context.Context, sw *domain.Software, version *domain.SoftwareVersion) (*domain.SoftwareBuild, error) {
	if existing, err := c.software.FindActiveBuild(ctx, version.ID); err == nil && existing != nil {
		return existing, nil
	}

	build := &domain.SoftwareBuild{SoftwareVersionID: version.ID}
	if err := c.software.CreateSoftwareBuild(ctx, build); err != nil {
		if errors.Is(err, domain.ErrAlreadyExists) {
			existing, findErr := c.software.FindActiveBuild(ctx, version.ID)
			if findErr != nil {
				return nil, fmt.Errorf("re-read active build after race: %w", findErr)
			}
			if existing == nil {
				return nil, fmt.Errorf("%w: build race reported a conflict but no active build was found for software_version %s", domain.ErrCarrotInternal, version.ID)
			}
			return existing, nil
		}
		return nil, fmt.Errorf("create software_build: %w", err)
	}

	jobID, err := c.engine.Submit(ctx, buildSubmitRequest(sw, version))
	if err != nil {
		failed := domain.BuildStatusFailed
		_ = c.software.UpdateBuildStatus(ctx, build.ID, failed, nil, nil)
		return nil, fmt.Errorf("submit build workflow for %s@%s: %w", sw.Name, version.Commit, err)
	}

	submitted := domain.BuildStatusSubmitted
	if err := c.software.UpdateBuildStatus(ctx, build.ID, submitted, &jobID, nil); err != nil {
		return nil, fmt.Errorf("record build job id: %w", err)
	}
	build.Status = submitted
	build.CromwellJobID = &jobID
	return build, nil
}

// ResolveImage implements runsubmitter.ImageResolver: it resolves ref via
// Resolve (joining or starting a build as needed) and returns the image URL
// only once that build has succeeded. A non-terminal build reports
// ErrBuildNotReady so the caller can leave the run in `building` and retry
// on the next sweep; a terminal-failed build reports ErrBuildFailed.
func (c *Coordinator) ResolveImage(ctx context.Context, ref ImageBuildRef) (string, error) {
	resolution, err := c.Resolve(ctx, ref)
	if err != nil {
		return "", err
	}
	switch resolution.Build.Status {
	case domain.BuildStatusSucceeded:
		if resolution.Build.ImageURL == nil {
			return "", fmt.Errorf("%w: build %s succeeded with no image_url", domain.ErrCarrotInternal, resolution.Build.ID)
		}
		return *resolution.Build.ImageURL, nil
	case domain.BuildStatusFailed, domain.BuildStatusAborted:
		return "", fmt.Errorf("%w: build for %s|%s did not succeed", domain.ErrBuildFailed, ref.Software, ref.CommitOrTag)
	default:
		return "", fmt.Errorf("%w: build for %s|%s not yet succeeded", ErrBuildNotReady, ref.Software, ref.CommitOrTag)
	}
}

// ErrBuildNotReady wraps domain.ErrExternalTransient so status-manager-style
// retry loops treat an in-flight build the same as any other transient wait.
var ErrBuildNotReady = fmt.Errorf("%w: software build not yet succeeded", domain.ErrExternalTransient)

// buildSubmitRequest composes the build workflow submission for a software
// version. The build WDL itself and its docker-build inputs are an
// operator-supplied convention (software.repository's own build.wdl),
// outside this package's scope — the coordinator's job is dedup and
// lifecycle tracking, not authoring the build workflow.
func buildSubmitRequest(sw *domain.Software, version *domain.SoftwareVersion) engine.SubmitRequest {
	inputs := fmt.Sprintf(`{"build.repository":%q,"build.commit":%q,"build.machine_type":%q}`,
		sw.Repository, version.Commit, sw.MachineType)
	return engine.SubmitRequest{
		WDL:    buildWDLTemplate,
		Inputs: []byte(inputs),
	}
}

// buildWDLTemplate is the generic image-build workflow submitted for every
// software version; it checks out the given commit and builds+pushes a
// docker image, emitting image_url as its sole output.
var buildWDLTemplate = []byte(`version 1.0
workflow build {
  input {
    String repository
    String commit
    String machine_type
  }
  call build_image { input: repository = repository, commit = commit, machine_type = machine_type }
  output { String image_url = build_image.image_url }
}
task build_image {
  input { String repository; String commit; String machine_type }
  command <<<
    echo "build placeholder"
  >>>
  output { String image_url = "" }
}
`)
