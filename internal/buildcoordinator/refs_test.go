package buildcoordinator_test

import (
	"testing"

	"github.com/rat-data/rat/platform/internal/buildcoordinator"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRef_ImageBuild(t *testing.T) {
	ref, err := buildcoordinator.ParseRef("image_build:gatk|v4.2.0")
	require.NoError(t, err)
	assert.Equal(t, buildcoordinator.ImageBuildRef{Software: "gatk", CommitOrTag: "v4.2.0"}, ref)
}

func TestParseRef_TestOutput(t *testing.T) {
	ref, err := buildcoordinator.ParseRef("test_output:my_workflow.out_bam")
	require.NoError(t, err)
	assert.Equal(t, buildcoordinator.TestOutputRef{Workflow: "my_workflow", Output: "out_bam"}, ref)
}

func TestParseRef_Literal(t *testing.T) {
	ref, err := buildcoordinator.ParseRef("gs://bucket/input.bam")
	require.NoError(t, err)
	assert.Equal(t, buildcoordinator.Literal{Value: "gs://bucket/input.bam"}, ref)
}

func TestParseRef_MalformedImageBuild(t *testing.T) {
	_, err := buildcoordinator.ParseRef("image_build:gatk")
	assert.Error(t, err)
}

func TestParseRef_MalformedTestOutput(t *testing.T) {
	_, err := buildcoordinator.ParseRef("test_output:no_dot")
	assert.Error(t, err)
}

func TestIsCommitHash(t *testing.T) {
	assert.True(t, buildcoordinator.IsCommitHash("0123456789abcdef0123456789abcdef01234567"))
	assert.False(t, buildcoordinator.IsCommitHash("v4.2.0"))
	assert.False(t, buildcoordinator.IsCommitHash("abc123"))
}

func TestScanStrings_FindsNestedRefs(t *testing.T) {
	input := map[string]interface{}{
		"t.docker":     "image_build:gatk|abc0123456789abcdef0123456789abcdef012345",
		"t.input_file": "gs://bucket/in.bam",
		"t.nested": map[string]interface{}{
			"out": "test_output:wf.result",
		},
		"t.list": []interface{}{"image_build:samtools|v1.0"},
	}

	refs, err := buildcoordinator.ScanStrings(input)
	require.NoError(t, err)
	assert.Len(t, refs, 3)
}

func TestScanStrings_IgnoresLiterals(t *testing.T) {
	input := map[string]interface{}{"a": "plain", "b": "also plain"}
	refs, err := buildcoordinator.ScanStrings(input)
	require.NoError(t, err)
	assert.Empty(t, refs)
}
