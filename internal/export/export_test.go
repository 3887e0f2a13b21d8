package export

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/google/pprof/profile"
)

func testProfile() *profile.Profile {
	return &profile.Profile{
		SampleType: []*profile.ValueType{{Type: "samples", Unit: "count"}},
		Sample: []*profile.Sample{
			{Value: []int64{1}},
		},
	}
}

func TestExportFileWritesPprof(t *testing.T) {
	dir := t.TempDir()
	e := New(Target{Mode: ModeFile, FilePrefix: filepath.Join(dir, "cpu-")})

	err := e.Export(context.Background(), testProfile(), 1700000000)
	require.NoError(t, err)

	_, err = os.Stat(filepath.Join(dir, "cpu-1700000000.pprof"))
	require.NoError(t, err)
}

func TestCheckRetryDropsOnGatewayTimeout(t *testing.T) {
	resp := &http.Response{StatusCode: http.StatusGatewayTimeout}
	retry, err := checkRetry(context.Background(), resp, nil)
	require.False(t, retry)
	require.NoError(t, err)
}

func TestCheckRetryFatalOnForbidden(t *testing.T) {
	resp := &http.Response{StatusCode: http.StatusForbidden}
	retry, err := checkRetry(context.Background(), resp, nil)
	require.False(t, retry)
	require.Error(t, err)
}

func TestCheckRetryRetriesOnServerError(t *testing.T) {
	resp := &http.Response{StatusCode: http.StatusInternalServerError}
	retry, err := checkRetry(context.Background(), resp, nil)
	require.True(t, retry)
	require.NoError(t, err)
}

func TestExportHTTPWritesTagsAndIncrementingProfileSeq(t *testing.T) {
	var seqs []string
	var gotTag string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseMultipartForm(1<<20))
		seqs = append(seqs, r.FormValue("profile_seq"))
		gotTag = r.FormValue("service")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	e := New(Target{Mode: ModeAgent, URL: srv.URL, MaxRetries: 1, Tags: map[string]string{"service": "nprofd"}})
	require.NoError(t, e.Export(context.Background(), testProfile(), 0))
	require.NoError(t, e.Export(context.Background(), testProfile(), 0))

	require.Equal(t, []string{"0", "1"}, seqs)
	require.Equal(t, "nprofd", gotTag)
}

func TestExportHTTPAgentlessSetsAPIKey(t *testing.T) {
	var gotKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("DD-API-KEY")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	e := New(Target{Mode: ModeAgentless, URL: srv.URL, APIKey: "secret", MaxRetries: 1})
	err := e.Export(context.Background(), testProfile(), 0)
	require.NoError(t, err)
	require.Equal(t, "secret", gotKey)
}
