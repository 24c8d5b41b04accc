package github_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	ghclient "github.com/rat-data/rat/platform/internal/github"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClient_CreateComment_PostsToIssueCommentsEndpoint(t *testing.T) {
	var sawPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sawPath = r.URL.Path
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":1}`))
	}))
	defer srv.Close()

	client := ghclient.New("fake-token")
	base, err := url.Parse(srv.URL + "/")
	require.NoError(t, err)
	ghclient.SetBaseURL(client, base)

	err = client.CreateComment(context.Background(), "carrot-org", "gatk", 42, "build started")
	require.NoError(t, err)
	assert.Equal(t, "/repos/carrot-org/gatk/issues/42/comments", sawPath)
}
