// internal/export/export_test.go
package export

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/scalpel-replay/api/schemas"
	"github.com/xkilldash9x/scalpel-replay/internal/mocks"
	"github.com/xkilldash9x/scalpel-replay/internal/playback"
)

const t0 = int64(1_700_000_000_000)

func sampleRecording() *schemas.Recording {
	end := t0 + 4200
	dur := int64(4200)
	return &schemas.Recording{
		ID:        "rec-42",
		SessionID: "sess-1",
		Config: schemas.RecordingConfig{
			Events:             []schemas.EventType{schemas.EventClick, schemas.EventTyping, schemas.EventNavigation, schemas.EventKeyPress},
			CaptureScreenshots: true,
			MaxEvents:          100,
			MaskSensitiveInput: true,
		},
		Events: []schemas.Event{
			{ID: "e1", Type: schemas.EventPageLoad, Timestamp: t0, URL: "https://x.test/login",
				Metadata: map[string]any{"title": "Login", "synthetic": true}},
			{ID: "e2", Type: schemas.EventClick, Timestamp: t0 + 1000, Selector: "#user", URL: "https://x.test/login",
				Coordinates: &schemas.Point{X: 120.5, Y: 48}, Metadata: map[string]any{"button": "left", "tagName": "input"}},
			{ID: "e3", Type: schemas.EventTyping, Timestamp: t0 + 2000, Selector: "#user", Value: "alice", URL: "https://x.test/login",
				Metadata: map[string]any{"captureReason": "keyboard_navigation"}},
			{ID: "e4", Type: schemas.EventKeyPress, Timestamp: t0 + 2000, Value: "Enter", URL: "https://x.test/login"},
			{ID: "e5", Type: schemas.EventScreenshot, Timestamp: t0 + 3000, Screenshot: "iVBORw0KGgo=", URL: "https://x.test/login",
				Metadata: map[string]any{"trigger": "interval"}},
			{ID: "e6", Type: schemas.EventNavigation, Timestamp: t0 + 4000, URL: "https://x.test/",
				Metadata: map[string]any{"navigationType": "frame"}},
			{ID: "e7", Type: schemas.EventWait, Timestamp: t0 + 4200, Duration: 250, URL: "https://x.test/"},
		},
		Status:    schemas.RecordingStopped,
		StartTime: t0,
		EndTime:   &end,
		Duration:  &dur,
		Metadata: schemas.RecordingMetadata{
			UserAgent:       "Mozilla/5.0 Test",
			Viewport:        schemas.Viewport{Width: 1280, Height: 800},
			InitialURL:      "https://x.test/login",
			Title:           "Login",
			TotalEvents:     7,
			ScreenshotCount: 1,
		},
	}
}

func TestJSON_RoundTrip(t *testing.T) {
	rec := sampleRecording()

	data, err := ToJSON(rec)
	require.NoError(t, err)

	got, err := FromJSON(data)
	require.NoError(t, err)

	if diff := cmp.Diff(rec.Events, got.Events); diff != "" {
		t.Errorf("events changed across export (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(rec, got); diff != "" {
		t.Errorf("recording changed across export (-want +got):\n%s", diff)
	}
}

func TestJSON_EnvelopeShape(t *testing.T) {
	data, err := ToJSON(sampleRecording())
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	for _, key := range []string{"metadata", "config", "timeline", "events", "statistics"} {
		assert.Contains(t, raw, key)
	}

	meta := raw["metadata"].(map[string]any)
	assert.Equal(t, "rec-42", meta["recordingId"])
	assert.Equal(t, FormatVersion, meta["version"])
	_, err = time.Parse(time.RFC3339, meta["exportedAt"].(string))
	assert.NoError(t, err)

	timeline := raw["timeline"].(map[string]any)
	assert.EqualValues(t, 7, timeline["totalEvents"])
	assert.EqualValues(t, 4200, timeline["duration"])
}

func TestComputeStatistics(t *testing.T) {
	st := ComputeStatistics(sampleRecording())
	assert.Equal(t, 1, st.EventsByType[schemas.EventClick])
	assert.Equal(t, 1, st.EventsByType[schemas.EventScreenshot])
	assert.Equal(t, 1, st.ScreenshotCount)
	assert.Equal(t, int64(700), st.AverageInterval)
	assert.Equal(t, int64(4200), st.DurationMs)

	empty := ComputeStatistics(&schemas.Recording{StartTime: t0})
	assert.Zero(t, empty.AverageInterval)
	assert.Zero(t, empty.DurationMs)
}

func TestFromJSON_Rejects(t *testing.T) {
	valid := func() Envelope { return NewEnvelope(sampleRecording(), time.Now()) }
	encode := func(env Envelope) []byte {
		b, err := json.Marshal(env)
		require.NoError(t, err)
		return b
	}

	tests := []struct {
		name string
		data func() []byte
		msg  string
	}{
		{"not json", func() []byte { return []byte("{nope") }, ""},
		{"missing version", func() []byte { e := valid(); e.Metadata.Version = ""; return encode(e) }, "version"},
		{"future major version", func() []byte { e := valid(); e.Metadata.Version = "2.0"; return encode(e) }, "2.0"},
		{"missing id", func() []byte { e := valid(); e.Metadata.RecordingID = ""; return encode(e) }, "recordingId"},
		{"unknown event type", func() []byte { e := valid(); e.Events[2].Type = "teleport"; return encode(e) }, "teleport"},
		{"unknown config type", func() []byte { e := valid(); e.Config.Events = append(e.Config.Events, "drag"); return encode(e) }, "drag"},
		{"time goes backwards", func() []byte { e := valid(); e.Events[3].Timestamp = t0; return encode(e) }, "earlier"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := FromJSON(tt.data())
			require.ErrorIs(t, err, ErrInvalidImport)
			assert.Contains(t, err.Error(), tt.msg)
		})
	}
}

func TestFromJSON_FillsDefaults(t *testing.T) {
	env := NewEnvelope(sampleRecording(), time.Now())
	env.Metadata.Version = "1.3"
	env.Metadata.Status = ""
	env.Events[1].ID = ""
	data, err := json.Marshal(env)
	require.NoError(t, err)

	rec, err := FromJSON(data)
	require.NoError(t, err)
	assert.Equal(t, schemas.RecordingStopped, rec.Status)
	assert.NotEmpty(t, rec.Events[1].ID)
	assert.Equal(t, 7, rec.Metadata.TotalEvents)
}

// Replaying an imported recording drives the page exactly like the original.
func TestRoundTrip_ReplaysSamePrimitives(t *testing.T) {
	replay := func(rec *schemas.Recording) []mocks.Call {
		page := mocks.NewFakePage("page-1", rec.Metadata.InitialURL)
		p := playback.New(page, nil, zaptest.NewLogger(t), playback.WithSleep(func(ctx context.Context, _ time.Duration) error {
			return ctx.Err()
		}))
		require.NoError(t, p.Start(context.Background(), rec, schemas.DefaultPlaybackConfig()))
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, p.Wait(ctx))
		return page.Calls()
	}

	rec := sampleRecording()
	data, err := ToJSON(rec)
	require.NoError(t, err)
	imported, err := FromJSON(data)
	require.NoError(t, err)

	want := replay(rec)
	require.NotEmpty(t, want)
	if diff := cmp.Diff(want, replay(imported)); diff != "" {
		t.Errorf("replayed calls differ (-original +imported):\n%s", diff)
	}
}

func TestToScript_Playwright(t *testing.T) {
	out, err := ToScript(sampleRecording(), ScriptOptions{Target: TargetPlaywright, Speed: 1, IncludeScreenshots: true})
	require.NoError(t, err)
	script := string(out)

	for _, want := range []string{
		"require('playwright')",
		"viewport: { width: 1280, height: 800 }",
		`await page.goto("https://x.test/login");`,
		"await page.waitForLoadState('load');",
		`await page.click("#user");`,
		`await page.fill("#user", "alice");`,
		`await page.keyboard.press("Enter");`,
		`await page.screenshot({ path: "step-004.png" });`,
		`await page.goto("https://x.test/");`,
		"await page.waitForTimeout(1000);",
		"await page.waitForTimeout(250);",
		"await browser.close();",
	} {
		assert.Contains(t, script, want)
	}
	assert.Less(t, strings.Index(script, `page.click("#user")`), strings.Index(script, `page.fill("#user"`))
}

func TestToScript_Chromedp(t *testing.T) {
	out, err := ToScript(sampleRecording(), ScriptOptions{Target: TargetChromedp, Speed: 2})
	require.NoError(t, err)
	script := string(out)

	for _, want := range []string{
		"package main",
		`"github.com/chromedp/chromedp/kb"`,
		`"time"`,
		"chromedp.EmulateViewport(1280, 800),",
		`chromedp.Navigate("https://x.test/login"),`,
		`chromedp.Click("#user", chromedp.ByQuery),`,
		`chromedp.SendKeys("#user", "alice", chromedp.ByQuery),`,
		"chromedp.KeyEvent(kb.Enter),",
		"chromedp.Sleep(500 * time.Millisecond),",
		"chromedp.Sleep(125 * time.Millisecond),",
	} {
		assert.Contains(t, script, want)
	}
	assert.NotContains(t, script, "CaptureScreenshot", "screenshots are opt in")
}

func TestToScript_ChromedpImportsOnlyWhatItUses(t *testing.T) {
	rec := &schemas.Recording{
		ID:     "one",
		Events: []schemas.Event{{Type: schemas.EventNavigation, URL: "https://x.test/", Timestamp: t0}},
	}
	out, err := ToScript(rec, ScriptOptions{Target: TargetChromedp, Speed: 1})
	require.NoError(t, err)
	assert.NotContains(t, string(out), `"time"`)
	assert.NotContains(t, string(out), "chromedp/kb")
	assert.NotContains(t, string(out), "EmulateViewport")
}

func TestToScript_SkipsImplicitSubmit(t *testing.T) {
	rec := &schemas.Recording{
		ID: "submit",
		Events: []schemas.Event{
			{Type: schemas.EventFormSubmit, Selector: "#login", Metadata: map[string]any{"implicit": true}, Timestamp: t0},
			{Type: schemas.EventFormSubmit, Selector: "#search", Timestamp: t0 + 100},
		},
	}
	out, err := ToScript(rec, DefaultScriptOptions())
	require.NoError(t, err)
	assert.NotContains(t, string(out), `$eval("#login"`)
	assert.Contains(t, string(out), `$eval("#search"`)
	assert.Contains(t, string(out), "form submitted by the previous step")
}

func TestToScript_InvalidOptions(t *testing.T) {
	rec := sampleRecording()
	for _, opts := range []ScriptOptions{
		{Target: "selenium", Speed: 1},
		{Target: TargetPlaywright, Speed: 0},
		{Target: TargetChromedp, Speed: -1},
	} {
		_, err := ToScript(rec, opts)
		assert.ErrorIs(t, err, ErrInvalidExportOptions)
	}

	rec.Events = append(rec.Events, schemas.Event{Type: "drag", Timestamp: t0 + 5000})
	_, err := ToScript(rec, DefaultScriptOptions())
	assert.ErrorIs(t, err, ErrInvalidExportOptions)
}

func TestJSString(t *testing.T) {
	assert.Equal(t, `"#q"`, jsString("#q"))
	assert.Equal(t, `"a\"b"`, jsString(`a"b`))

	quoted := jsString("line\u2028sep\u2029para")
	assert.NotContains(t, quoted, "\u2028")
	assert.NotContains(t, quoted, "\u2029")
	assert.Equal(t, `"line\u2028sep\u2029para"`, quoted)
}
