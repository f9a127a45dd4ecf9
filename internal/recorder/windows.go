// internal/recorder/windows.go
package recorder

import (
	"time"

	"github.com/xkilldash9x/scalpel-replay/api/schemas"
	"github.com/xkilldash9x/scalpel-replay/internal/config"
)

// Default timing windows. Each one can be overridden through
// config.RecorderConfig or WithWindows.
const (
	DefaultNavigationDebounce = 300 * time.Millisecond
	DefaultDuplicateURLWindow = 1 * time.Second
	DefaultPollInterval       = 2 * time.Second
	DefaultPollChangeQuiet    = 2500 * time.Millisecond
	DefaultPollCaptureQuiet   = 3500 * time.Millisecond
	DefaultKeyboardCooldown   = 3 * time.Second
	DefaultScrollDebounce     = 100 * time.Millisecond
	DefaultHoverDebounce      = 200 * time.Millisecond
	DefaultBlurMinLength      = 2
)

// Windows groups the timing thresholds that shape capture.
type Windows struct {
	// NavigationDebounce is the quiet period before a navigation signal commits.
	NavigationDebounce time.Duration
	// DuplicateURLWindow suppresses a navigation to the URL committed last
	// when the two signals are closer than this.
	DuplicateURLWindow time.Duration
	PollInterval       time.Duration
	// PollChangeQuiet is how long a polled value must stay unchanged.
	PollChangeQuiet time.Duration
	// PollCaptureQuiet is the minimum age of the field's previous commit.
	PollCaptureQuiet time.Duration
	// KeyboardCooldown blocks blur and poll commits after a Tab or Enter commit.
	KeyboardCooldown time.Duration
	ScrollDebounce   time.Duration
	HoverDebounce    time.Duration
	BlurMinLength    int
}

// DefaultWindows returns the stock thresholds.
func DefaultWindows() Windows {
	return Windows{
		NavigationDebounce: DefaultNavigationDebounce,
		DuplicateURLWindow: DefaultDuplicateURLWindow,
		PollInterval:       DefaultPollInterval,
		PollChangeQuiet:    DefaultPollChangeQuiet,
		PollCaptureQuiet:   DefaultPollCaptureQuiet,
		KeyboardCooldown:   DefaultKeyboardCooldown,
		ScrollDebounce:     DefaultScrollDebounce,
		HoverDebounce:      DefaultHoverDebounce,
		BlurMinLength:      DefaultBlurMinLength,
	}
}

// WindowsFromConfig reads the thresholds from configuration, keeping the
// default for any value left at zero.
func WindowsFromConfig(cfg config.RecorderConfig) Windows {
	w := DefaultWindows()
	setDur := func(dst *time.Duration, v time.Duration) {
		if v > 0 {
			*dst = v
		}
	}
	setDur(&w.NavigationDebounce, cfg.NavigationDebounce)
	setDur(&w.DuplicateURLWindow, cfg.DuplicateURLWindow)
	setDur(&w.PollInterval, cfg.PollInterval)
	setDur(&w.PollChangeQuiet, cfg.PollChangeQuiet)
	setDur(&w.PollCaptureQuiet, cfg.PollCaptureQuiet)
	setDur(&w.KeyboardCooldown, cfg.KeyboardCooldown)
	setDur(&w.ScrollDebounce, cfg.ScrollDebounce)
	setDur(&w.HoverDebounce, cfg.HoverDebounce)
	if cfg.BlurMinLength > 0 {
		w.BlurMinLength = cfg.BlurMinLength
	}
	return w
}

// RecordingConfigFromConfig builds the capture policy from configuration.
// Unknown event type names are skipped.
func RecordingConfigFromConfig(cfg config.RecorderConfig) schemas.RecordingConfig {
	rc := schemas.DefaultRecordingConfig()
	if len(cfg.Events) > 0 {
		rc.Events = rc.Events[:0:0]
		for _, name := range cfg.Events {
			if t := schemas.EventType(name); t.IsValid() {
				rc.Events = append(rc.Events, t)
			}
		}
	}
	rc.Delay = cfg.Delay.Milliseconds()
	rc.CaptureScreenshots = cfg.CaptureScreenshots
	rc.ScreenshotInterval = cfg.ScreenshotInterval.Milliseconds()
	rc.ScreenshotOnClick = cfg.ScreenshotOnClick
	rc.MaxEvents = cfg.MaxEvents
	rc.MaxDuration = cfg.MaxDuration.Milliseconds()
	rc.MaskSensitiveInput = cfg.MaskSensitiveInput
	return rc
}
