package engine_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rat-data/rat/platform/internal/domain"
	"github.com/rat-data/rat/platform/internal/engine"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCromwellClient_Submit_ReturnsJobID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/workflows/v1" {
			t.Fatalf("path: %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"job-1","status":"Submitted"}`))
	}))
	defer srv.Close()

	client := engine.NewCromwellClient(srv.URL, 5*time.Second)
	jobID, err := client.Submit(context.Background(), engine.SubmitRequest{
		WDL:    []byte("workflow t {}"),
		Inputs: []byte(`{}`),
	})
	require.NoError(t, err)
	assert.Equal(t, "job-1", jobID)
}

func TestCromwellClient_Submit_ZipsDependencies(t *testing.T) {
	var sawDependencies bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(10 << 20); err != nil {
			t.Fatalf("parse multipart: %v", err)
		}
		if _, ok := r.MultipartForm.File["workflowDependencies"]; ok {
			sawDependencies = true
		}
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"job-2","status":"Submitted"}`))
	}))
	defer srv.Close()

	client := engine.NewCromwellClient(srv.URL, 5*time.Second)
	_, err := client.Submit(context.Background(), engine.SubmitRequest{
		WDL:          []byte("workflow t {}"),
		Dependencies: map[string][]byte{"tasks/helper.wdl": []byte("task helper {}")},
		Inputs:       []byte(`{}`),
	})
	require.NoError(t, err)
	assert.True(t, sawDependencies)
}

func TestCromwellClient_Submit_5xxIsExternalTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"status":"fail","message":"overloaded"}`))
	}))
	defer srv.Close()

	client := engine.NewCromwellClient(srv.URL, 5*time.Second)
	_, err := client.Submit(context.Background(), engine.SubmitRequest{WDL: []byte("workflow t {}"), Inputs: []byte(`{}`)})
	assert.ErrorIs(t, err, domain.ErrExternalTransient)
}

func TestCromwellClient_Submit_4xxIsExternalPermanent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"status":"fail","message":"malformed WDL"}`))
	}))
	defer srv.Close()

	client := engine.NewCromwellClient(srv.URL, 5*time.Second)
	_, err := client.Submit(context.Background(), engine.SubmitRequest{WDL: []byte("workflow t {}"), Inputs: []byte(`{}`)})
	assert.ErrorIs(t, err, domain.ErrExternalPermanent)
}

func TestCromwellClient_Status(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/workflows/v1/job-1/status", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"job-1","status":"Running"}`))
	}))
	defer srv.Close()

	client := engine.NewCromwellClient(srv.URL, 5*time.Second)
	status, err := client.Status(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, engine.CromwellRunning, status)
}

func TestCromwellClient_Outputs(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/workflows/v1/job-1/outputs", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"job-1","outputs":{"t.out_file":"gs://bucket/out.txt"}}`))
	}))
	defer srv.Close()

	client := engine.NewCromwellClient(srv.URL, 5*time.Second)
	outputs, err := client.Outputs(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, "gs://bucket/out.txt", outputs["t.out_file"])
}

func TestCromwellClient_Abort(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/workflows/v1/job-1/abort", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)
		_, _ = w.Write([]byte(`{"id":"job-1","status":"Aborting"}`))
	}))
	defer srv.Close()

	client := engine.NewCromwellClient(srv.URL, 5*time.Second)
	err := client.Abort(context.Background(), "job-1")
	require.NoError(t, err)
}
