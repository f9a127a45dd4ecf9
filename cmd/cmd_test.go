// File: cmd/cmd_test.go
package cmd

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-replay/api/schemas"
	"github.com/xkilldash9x/scalpel-replay/internal/config"
	"github.com/xkilldash9x/scalpel-replay/internal/export"
	"github.com/xkilldash9x/scalpel-replay/internal/mocks"
	"github.com/xkilldash9x/scalpel-replay/internal/recorder"
	"github.com/xkilldash9x/scalpel-replay/internal/service"
)

type fakeBrowser struct {
	mu    sync.Mutex
	pages []*mocks.FakePage
}

func (b *fakeBrowser) NewPage(context.Context) (service.SessionPage, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p := mocks.NewFakePage(fmt.Sprintf("page-%d", len(b.pages)+1), "about:blank")
	p.SetTitle("Test Page")
	b.pages = append(b.pages, p)
	return p, nil
}

func (b *fakeBrowser) Shutdown(context.Context) error { return nil }

// testDeps wires the command tree to a fake browser and the real file store
// rooted in a temp dir.
func testDeps(t *testing.T) (dependencies, string) {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("SCALPEL_REPLAY_STORE_DIR", dir)
	t.Setenv("SCALPEL_REPLAY_STORE_TYPE", config.StoreTypeFile)
	t.Setenv("SCALPEL_REPLAY_LOGGER_LEVEL", "error")

	fb := &fakeBrowser{}
	return dependencies{
		factory: service.NewComponentFactoryWithBrowser(func(context.Context, config.Interface, *zap.Logger) (service.BrowserProvider, error) {
			return fb, nil
		}),
		stores: NewStoreProvider(),
	}, dir
}

func executeCommand(t *testing.T, deps dependencies, args ...string) (string, error) {
	t.Helper()
	root := newRootCommand(deps)
	buf := new(bytes.Buffer)
	root.SetOut(buf)
	root.SetErr(buf)
	root.SetIn(strings.NewReader(""))
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return buf.String(), err
}

func listIDs(t *testing.T, deps dependencies) []string {
	t.Helper()
	out, err := executeCommand(t, deps, "list", "--json")
	require.NoError(t, err)
	var list []schemas.RecordingSummary
	require.NoError(t, json.Unmarshal([]byte(out), &list), out)
	ids := make([]string, 0, len(list))
	for _, r := range list {
		ids = append(ids, r.ID)
	}
	return ids
}

func TestVersion(t *testing.T) {
	deps, _ := testDeps(t)

	out, err := executeCommand(t, deps, "version")
	require.NoError(t, err)
	assert.Equal(t, Version+"\n", out)

	out, err = executeCommand(t, deps, "--version")
	require.NoError(t, err)
	assert.Equal(t, Version+"\n", out)
}

func TestArgumentValidation(t *testing.T) {
	deps, _ := testDeps(t)

	_, err := executeCommand(t, deps, "record")
	assert.ErrorContains(t, err, "accepts 1 arg(s), received 0")
	_, err = executeCommand(t, deps, "export")
	assert.ErrorContains(t, err, "accepts 1 arg(s), received 0")
	_, err = executeCommand(t, deps, "list", "extra")
	assert.ErrorContains(t, err, "unknown command")
}

func TestRecordExportImportReplay(t *testing.T) {
	deps, dir := testDeps(t)
	envelope := filepath.Join(t.TempDir(), "login.json")

	out, err := executeCommand(t, deps, "record", "https://x.test/login", "--duration", "50ms", "-o", envelope)
	require.NoError(t, err, out)
	assert.Contains(t, out, "Saved recording")
	assert.FileExists(t, envelope)

	ids := listIDs(t, deps)
	require.Len(t, ids, 1)
	id := ids[0]
	assert.FileExists(t, filepath.Join(dir, id+".json"))

	out, err = executeCommand(t, deps, "list")
	require.NoError(t, err)
	assert.Contains(t, out, "ID")
	assert.Contains(t, out, id)

	out, err = executeCommand(t, deps, "export", id, "--format", "script", "--target", "chromedp")
	require.NoError(t, err)
	assert.Contains(t, out, "package main")
	assert.Contains(t, out, "Replays recording "+id)

	scriptPath := filepath.Join(t.TempDir(), "replay.js")
	_, err = executeCommand(t, deps, "export", id, "-f", "script", "-o", scriptPath)
	require.NoError(t, err)
	script, err := os.ReadFile(scriptPath)
	require.NoError(t, err)
	assert.Contains(t, string(script), "require('playwright')")

	_, err = executeCommand(t, deps, "export", id, "--format", "har")
	assert.ErrorIs(t, err, export.ErrInvalidExportOptions)

	out, err = executeCommand(t, deps, "replay", id)
	require.NoError(t, err, out)
	assert.Contains(t, out, "Replaying "+id)
	assert.Contains(t, out, "Playback finished: 0 failed events.")

	_, err = executeCommand(t, deps, "delete", id)
	require.NoError(t, err)
	assert.Empty(t, listIDs(t, deps))

	out, err = executeCommand(t, deps, "import", envelope)
	require.NoError(t, err)
	assert.Equal(t, id+"\n", out)
	assert.Equal(t, []string{id}, listIDs(t, deps))

	_, err = executeCommand(t, deps, "delete", id)
	require.NoError(t, err)
	out, err = executeCommand(t, deps, "replay", envelope)
	require.NoError(t, err, out)
	assert.Contains(t, out, "Playback finished")
	assert.Equal(t, []string{id}, listIDs(t, deps), "replaying a file imports it")
}

func TestImportFromStdin(t *testing.T) {
	deps, _ := testDeps(t)
	rec := &schemas.Recording{
		ID:        "stdin-rec",
		Status:    schemas.RecordingStopped,
		StartTime: 1_700_000_000_000,
		Events: []schemas.Event{
			{ID: "e1", Type: schemas.EventClick, Selector: "#go", Timestamp: 1_700_000_000_500, URL: "https://x.test/"},
		},
	}
	data, err := export.ToJSON(rec)
	require.NoError(t, err)

	root := newRootCommand(deps)
	buf := new(bytes.Buffer)
	root.SetOut(buf)
	root.SetErr(buf)
	root.SetIn(bytes.NewReader(data))
	root.SetArgs([]string{"import", "-"})
	require.NoError(t, root.ExecuteContext(context.Background()))
	assert.Equal(t, "stdin-rec\n", buf.String())

	_, err = executeCommand(t, deps, "import", filepath.Join(t.TempDir(), "missing.json"))
	assert.ErrorContains(t, err, "failed to read")
}

func TestRecordRejectsUnknownEventType(t *testing.T) {
	deps, _ := testDeps(t)
	_, err := executeCommand(t, deps, "record", "https://x.test/", "--events", "click,teleport")
	assert.ErrorIs(t, err, recorder.ErrInvalidConfig)
}

func TestReplayUnknownRecording(t *testing.T) {
	deps, _ := testDeps(t)
	_, err := executeCommand(t, deps, "replay", "does-not-exist")
	assert.ErrorContains(t, err, "recording not found")
}

func TestConfigFileAndFlagOverrides(t *testing.T) {
	deps, _ := testDeps(t)
	storeDir := t.TempDir()
	cfgPath := filepath.Join(t.TempDir(), "scalpel-replay.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("store:\n  dir: "+storeDir+"\nplayback:\n  default_speed: 2\n"), 0o600))

	// The environment outranks the file, so clear the dir set by testDeps.
	t.Setenv("SCALPEL_REPLAY_STORE_DIR", "")
	os.Unsetenv("SCALPEL_REPLAY_STORE_DIR")

	var seen config.Interface
	root := newRootCommand(deps)
	showConfig := &cobra.Command{
		Use: "show-config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := getConfigFromContext(cmd.Context())
			seen = cfg
			return err
		},
	}
	root.AddCommand(showConfig)
	root.SetArgs([]string{"--config", cfgPath, "--headless=false", "--remote-url", "ws://127.0.0.1:9222", "show-config"})
	require.NoError(t, root.ExecuteContext(context.Background()))

	require.NotNil(t, seen)
	assert.Equal(t, storeDir, seen.Store().Dir)
	assert.Equal(t, 2.0, seen.Playback().DefaultSpeed)
	assert.False(t, seen.Browser().Headless)
	assert.Equal(t, "ws://127.0.0.1:9222", seen.Browser().RemoteURL)

	_, err := executeCommand(t, deps, "--store", "s3", "list")
	assert.ErrorContains(t, err, "unsupported store type: s3")

	_, err = executeCommand(t, deps, "--config", filepath.Join(t.TempDir(), "nope.yaml"), "list")
	assert.ErrorContains(t, err, "failed to initialize configuration")
}

func TestGetConfigFromContext(t *testing.T) {
	_, err := getConfigFromContext(context.Background())
	assert.Error(t, err)

	cfg := config.NewDefaultConfig()
	ctx := context.WithValue(context.Background(), configKey, config.Interface(cfg))
	got, err := getConfigFromContext(ctx)
	require.NoError(t, err)
	assert.Same(t, cfg, got)
}

func TestReplayOptions_PlaybackConfig(t *testing.T) {
	pc := replayOptions{speed: 2, from: -1, to: -1}.playbackConfig()
	assert.Equal(t, schemas.PlaybackConfig{Speed: 2}, pc)

	pc = replayOptions{speed: 0.5, from: 1, to: 3, skipScreenshots: true, pauseOnError: true}.playbackConfig()
	require.NotNil(t, pc.StartFromEvent)
	require.NotNil(t, pc.EndAtEvent)
	assert.Equal(t, 1, *pc.StartFromEvent)
	assert.Equal(t, 3, *pc.EndAtEvent)
	assert.True(t, pc.SkipScreenshots)
	assert.True(t, pc.PauseOnError)

	assert.False(t, isFileSource("rec-123"))
	assert.False(t, isFileSource(filepath.Join(t.TempDir(), "missing.json")))
	path := filepath.Join(t.TempDir(), "rec.JSON")
	require.NoError(t, os.WriteFile(path, []byte("{}"), 0o600))
	assert.True(t, isFileSource(path))
}

func TestRecordOptions_RecordingConfig(t *testing.T) {
	base := config.NewDefaultConfig().Recorder()

	rc, err := recordOptions{events: []string{"click", "scroll"}, maxEvents: 5, screenshots: true}.recordingConfig(base)
	require.NoError(t, err)
	assert.Equal(t, []schemas.EventType{schemas.EventClick, schemas.EventScroll}, rc.Events)
	assert.Equal(t, 5, rc.MaxEvents)
	assert.True(t, rc.CaptureScreenshots)

	rc, err = recordOptions{}.recordingConfig(base)
	require.NoError(t, err)
	assert.NotEmpty(t, rc.Events)
	assert.Equal(t, base.MaxEvents, rc.MaxEvents)

	assert.Equal(t, "https://x.test/", describeEvent(schemas.Event{Type: schemas.EventNavigation, URL: "https://x.test/"}))
	assert.Equal(t, `#user = "alice"`, describeEvent(schemas.Event{Type: schemas.EventTyping, Selector: "#user", Value: "alice"}))
	assert.Equal(t, "(10, 20)", describeEvent(schemas.Event{Type: schemas.EventClick, Coordinates: &schemas.Point{X: 10, Y: 20}}))
}
