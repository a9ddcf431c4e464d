package schema

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"jarvis/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func schemaServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/music/schema.json":
			w.Write([]byte(`{"name": "music", "version": "0.1", "keywords": ["play"]}`))
		case "/alarm.yaml":
			w.Write([]byte("name: alarm\nintent: set_alarm\n"))
		case "/nameless.json":
			w.Write([]byte(`{"keywords": ["x"]}`))
		case "/escape.json":
			w.Write([]byte(`{"name": "../outside"}`))
		case "/broken.json":
			w.Write([]byte(`{"name": `))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestInstaller_InstallDirectoryURL(t *testing.T) {
	srv := schemaServer(t)
	dir := t.TempDir()
	inst := NewInstaller(dir, testLogger())

	sc, err := inst.Install(context.Background(), srv.URL+"/music/")
	require.NoError(t, err)
	assert.Equal(t, "music", sc.Name)
	assert.FileExists(t, filepath.Join(dir, "music", "schema.json"))

	r := newLoaded(t, dir, StrategyFirst)
	name, ok := r.Match(domain.Request{Message: "play a song"})
	require.True(t, ok)
	assert.Equal(t, "music", name)
}

func TestInstaller_InstallYAML(t *testing.T) {
	srv := schemaServer(t)
	dir := t.TempDir()

	sc, err := NewInstaller(dir, testLogger()).Install(context.Background(), srv.URL+"/alarm.yaml")
	require.NoError(t, err)
	assert.Equal(t, "set_alarm", sc.Intent)
	assert.FileExists(t, filepath.Join(dir, "alarm", "schema.yaml"))
}

func TestInstaller_Rejects(t *testing.T) {
	srv := schemaServer(t)
	dir := t.TempDir()
	inst := NewInstaller(dir, testLogger())

	for _, p := range []string{"/nameless.json", "/escape.json", "/broken.json", "/missing.json"} {
		_, err := inst.Install(context.Background(), srv.URL+p)
		assert.Error(t, err, p)
	}
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestInstaller_Uninstall(t *testing.T) {
	srv := schemaServer(t)
	dir := t.TempDir()
	inst := NewInstaller(dir, testLogger())

	_, err := inst.Install(context.Background(), srv.URL+"/music")
	require.NoError(t, err)
	require.NoError(t, inst.Uninstall("music"))
	assert.NoDirExists(t, filepath.Join(dir, "music"))

	assert.Error(t, inst.Uninstall("music"))
	assert.Error(t, inst.Uninstall(".."))
}
