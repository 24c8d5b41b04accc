package notify_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/rat-data/rat/platform/internal/domain"
	"github.com/rat-data/rat/platform/internal/notify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTests struct{ byID map[uuid.UUID]*domain.Test }

func (f *fakeTests) GetTest(_ context.Context, id uuid.UUID) (*domain.Test, error) { return f.byID[id], nil }

type fakeTemplates struct{ byID map[uuid.UUID]*domain.Template }

func (f *fakeTemplates) GetTemplate(_ context.Context, id uuid.UUID) (*domain.Template, error) {
	return f.byID[id], nil
}

type fakeSubs struct {
	byScope map[domain.SubscriptionEntityType]map[uuid.UUID][]string
}

func (f *fakeSubs) EmailsFor(_ context.Context, entityType domain.SubscriptionEntityType, entityID uuid.UUID) ([]string, error) {
	return f.byScope[entityType][entityID], nil
}

type fakeResults struct{ data []domain.RunResult }

func (f *fakeResults) ListForRun(_ context.Context, _ uuid.UUID) ([]domain.RunResult, error) {
	return f.data, nil
}

type fakeErrors struct{ data []domain.RunError }

func (f *fakeErrors) ListForRun(_ context.Context, _ uuid.UUID) ([]domain.RunError, error) {
	return f.data, nil
}

func newFixture() (testID, templateID, pipelineID uuid.UUID, tests *fakeTests, templates *fakeTemplates, subs *fakeSubs) {
	testID, templateID, pipelineID = uuid.New(), uuid.New(), uuid.New()
	tests = &fakeTests{byID: map[uuid.UUID]*domain.Test{
		testID: {ID: testID, TemplateID: templateID},
	}}
	templates = &fakeTemplates{byID: map[uuid.UUID]*domain.Template{
		templateID: {ID: templateID, PipelineID: pipelineID},
	}}
	subs = &fakeSubs{byScope: map[domain.SubscriptionEntityType]map[uuid.UUID][]string{
		domain.SubscriptionEntityTest:     {testID: {"test-sub@example.com"}},
		domain.SubscriptionEntityTemplate: {templateID: {"template-sub@example.com"}},
		domain.SubscriptionEntityPipeline: {pipelineID: {"pipeline-sub@example.com", "test-sub@example.com"}},
	}}
	return
}

func TestNotifier_OnTerminal_ModeNoneIsNoOp(t *testing.T) {
	testID, _, _, tests, templates, subs := newFixture()
	n := notify.New(notify.ModeNone, "carrot@example.com", notify.SMTPConfig{}, "", "carrot.example.com",
		tests, templates, subs, &fakeResults{}, &fakeErrors{}, nil)

	run := &domain.Run{ID: uuid.New(), TestID: testID, Name: "r1", Status: domain.RunStatusSucceeded, CreatedBy: "alice@example.com"}
	err := n.OnTerminal(context.Background(), run)
	require.NoError(t, err)
}

func TestNotifier_OnTerminal_SendmailDispatchesOnePerRecipient(t *testing.T) {
	testID, _, _, tests, templates, subs := newFixture()

	dir := t.TempDir()
	outPath := filepath.Join(dir, "out.log")
	script := "#!/bin/sh\ncat >> " + outPath + "\necho --- >> " + outPath + "\n"
	scriptPath := filepath.Join(dir, "fake-sendmail.sh")
	require.NoError(t, os.WriteFile(scriptPath, []byte(script), 0o755))

	n := notify.New(notify.ModeSendmail, "carrot@example.com", notify.SMTPConfig{}, scriptPath, "carrot.example.com",
		tests, templates, subs,
		&fakeResults{data: []domain.RunResult{{ResultID: uuid.New(), Value: "0.97"}}},
		&fakeErrors{}, nil)

	run := &domain.Run{ID: uuid.New(), TestID: testID, Name: "nightly", Status: domain.RunStatusSucceeded, CreatedBy: "alice@example.com"}
	require.NoError(t, n.OnTerminal(context.Background(), run))

	out, err := os.ReadFile(outPath)
	require.NoError(t, err)
	body := string(out)
	// Recipients: alice@example.com (creator), test-sub, template-sub, pipeline-sub — deduplicated.
	assert.Contains(t, body, "alice@example.com")
	assert.Contains(t, body, "test-sub@example.com")
	assert.Contains(t, body, "template-sub@example.com")
	assert.Contains(t, body, "pipeline-sub@example.com")
	assert.Contains(t, body, "nightly")
	assert.Contains(t, body, "0.97")
	assert.Equal(t, 4, countOccurrences(body, "---"))
}

func countOccurrences(s, sub string) int {
	count := 0
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			count++
		}
	}
	return count
}
