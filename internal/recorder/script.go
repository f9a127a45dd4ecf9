// internal/recorder/script.go
package recorder

import (
	_ "embed"
	"fmt"
	"strings"

	jsoniter "github.com/json-iterator/go"
)

//go:embed capture.js
var captureScript string

const (
	// BindingName is the window function the capture script reports through.
	BindingName = "__scalpelReplaySignal"
	// ConsolePrefix marks capture signals sent through the console fallback.
	ConsolePrefix = "__scalpel_replay__:"

	configPlaceholder = "/*CONFIG*/null"

	// implicitSubmitWindow links a form submission to the click or Enter
	// that triggered it.
	implicitSubmitWindow = 1000

	snapshotFn = `(token) => {
  const r = window.__scalpelReplay;
  return r && r.token === token ? r.snapshot() : [];
}`
	teardownFn = `(token) => {
  const r = window.__scalpelReplay;
  if (r && r.token === token) r.teardown();
  return true;
}`
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// SpecialKeys is the allow-list of keys recorded as key presses. Printable
// characters are never recorded individually.
var SpecialKeys = []string{
	"Enter", "Tab", "Escape", "Backspace", "Delete",
	"ArrowUp", "ArrowDown", "ArrowLeft", "ArrowRight",
	"Home", "End", "PageUp", "PageDown",
}

func isSpecialKey(key string) bool {
	for _, k := range SpecialKeys {
		if k == key {
			return true
		}
	}
	return false
}

type scriptConfig struct {
	Token                string   `json:"token"`
	Binding              string   `json:"binding"`
	ConsolePrefix        string   `json:"consolePrefix"`
	SpecialKeys          []string `json:"specialKeys"`
	ScrollDebounce       int64    `json:"scrollDebounce"`
	HoverDebounce        int64    `json:"hoverDebounce"`
	ImplicitSubmitWindow int64    `json:"implicitSubmitWindow"`
}

// renderCaptureScript embeds the per recording configuration in the capture script.
func renderCaptureScript(token string, w Windows) (string, error) {
	cfg, err := json.Marshal(scriptConfig{
		Token:                token,
		Binding:              BindingName,
		ConsolePrefix:        ConsolePrefix,
		SpecialKeys:          SpecialKeys,
		ScrollDebounce:       w.ScrollDebounce.Milliseconds(),
		HoverDebounce:        w.HoverDebounce.Milliseconds(),
		ImplicitSubmitWindow: implicitSubmitWindow,
	})
	if err != nil {
		return "", fmt.Errorf("could not encode capture script config: %w", err)
	}
	return strings.Replace(captureScript, configPlaceholder, string(cfg), 1), nil
}
