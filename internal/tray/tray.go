package tray

import (
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"runtime"
	"sync"

	"github.com/atotto/clipboard"
	"github.com/getlantern/systray"
	"github.com/rs/zerolog"

	"github.com/petems/voice-segmenter/internal/app"
	"github.com/petems/voice-segmenter/internal/config"
	"github.com/petems/voice-segmenter/internal/logging"
)

type UI struct {
	app     *app.App
	cfg     *config.Config
	version string
	commit  string
	log     zerolog.Logger

	mu     sync.Mutex
	status string

	// Menu items
	mListen  *systray.MenuItem
	mMode    *systray.MenuItem
	mDevices *systray.MenuItem
	mLast    *systray.MenuItem
}

// Status update methods for the app to call
func (u *UI) SetIdle() {
	u.updateStatus("idle")
}

func (u *UI) SetListening() {
	u.updateStatus("listening")
}

func (u *UI) SetCapturing() {
	u.updateStatus("capturing")
}

func (u *UI) SetProcessing() {
	u.updateStatus("processing")
}

func (u *UI) SetError() {
	u.updateStatus("error")
}

func New(cfg *config.Config, log zerolog.Logger, version, commit string) *UI {
	return &UI{
		cfg:     cfg,
		version: version,
		commit:  commit,
		log:     log,
		status:  "idle",
	}
}

// SetApp sets the app reference (for circular dependency resolution)
func (u *UI) SetApp(application *app.App) {
	u.app = application
}

// Run blocks on the tray event loop until Quit is chosen or ctx is done.
func (u *UI) Run(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		systray.Quit()
	}()
	systray.Run(u.onReady, u.onExit)
	return nil
}

func (u *UI) onReady() {
	systray.SetTooltip("Voice segmenter")

	// Build menu
	u.mu.Lock()
	u.mListen = systray.AddMenuItem(listenTitle(u.app.IsListening()), "Start or stop listening for speech")
	u.mu.Unlock()
	u.updateStatus(u.currentStatus())
	systray.AddSeparator()

	u.mMode = systray.AddMenuItem(modeTitle(u.app.Mode()), "Toggle between modes")
	systray.AddSeparator()

	u.mDevices = systray.AddMenuItem("Input Device", "Select audio device")
	u.buildDeviceMenu()

	u.mLast = systray.AddMenuItem("Copy Last Transcript", "Copy the most recent transcript")

	systray.AddSeparator()
	mRecordings := systray.AddMenuItem("Open Recordings", "Show saved segments")
	mLogs := systray.AddMenuItem("Open Logs", "View application logs")
	mAbout := systray.AddMenuItem("About", "About Voice Segmenter")
	mQuit := systray.AddMenuItem("Quit", "Exit application")

	// Event loop
	go u.handleEvents(mRecordings, mLogs, mAbout, mQuit)
}

func (u *UI) handleEvents(mRecordings, mLogs, mAbout, mQuit *systray.MenuItem) {
	for {
		select {
		case <-u.mListen.ClickedCh:
			if err := u.app.ToggleListening(); err != nil {
				u.log.Error().Err(err).Msg("Failed to toggle listening")
			}
			u.refreshListenTitle()
		case <-u.mMode.ClickedCh:
			u.toggleMode()
		case <-u.mLast.ClickedCh:
			u.copyLast()
		case <-mRecordings.ClickedCh:
			u.open(u.cfg.Listener.RecordingsDir)
		case <-mLogs.ClickedCh:
			u.open(filepath.Dir(logging.Path()))
		case <-mAbout.ClickedCh:
			u.showAbout()
		case <-mQuit.ClickedCh:
			systray.Quit()
			return
		}
	}
}

func (u *UI) buildDeviceMenu() {
	// Get devices from app
	devices, err := u.app.ListDevices()
	if err != nil {
		u.log.Error().Err(err).Msg("Failed to list audio devices")
		return
	}

	current := u.app.CurrentDevice()
	var itemsMu sync.Mutex
	deviceItems := make(map[string]*systray.MenuItem)

	for _, dev := range devices {
		if dev.MaxInputChannels < 1 {
			continue
		}
		item := u.mDevices.AddSubMenuItem(dev.Name, "")
		if dev.Name == current || (current == "" && dev.Default) {
			item.Check()
		}
		deviceItems[dev.Name] = item

		go func(deviceName string, menuItem *systray.MenuItem) {
			for range menuItem.ClickedCh {
				if err := u.app.SetDevice(deviceName); err != nil {
					u.log.Error().Err(err).Str("device", deviceName).Msg("Failed to change audio device")
					continue
				}
				itemsMu.Lock()
				for name, itm := range deviceItems {
					if name != deviceName {
						itm.Uncheck()
					}
				}
				itemsMu.Unlock()
				menuItem.Check()
				u.refreshListenTitle()
			}
		}(dev.Name, item)
	}
}

func (u *UI) toggleMode() {
	oldMode := u.app.Mode()
	newMode := config.ModePushToTalk
	if oldMode == config.ModePushToTalk {
		newMode = config.ModeToggle
	}
	u.app.SetMode(newMode)
	u.mMode.SetTitle(modeTitle(newMode))
	u.log.Info().Str("from", oldMode).Str("to", newMode).Msg("Changed mode")
}

func (u *UI) copyLast() {
	recent := u.app.Recent()
	if len(recent) == 0 {
		u.log.Info().Msg("No transcripts yet")
		return
	}
	text := recent[len(recent)-1].Text
	if err := clipboard.WriteAll(text); err != nil {
		u.log.Error().Err(err).Msg("Failed to copy transcript")
		return
	}
	u.log.Info().Str("text", text).Msg("Copied last transcript")
}

func (u *UI) open(path string) {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	name, args := openCommand(runtime.GOOS, abs)
	if err := exec.Command(name, args...).Start(); err != nil {
		u.log.Error().Err(err).Str("path", abs).Msg("Failed to open")
	}
}

func (u *UI) showAbout() {
	fmt.Printf("Voice Segmenter %s (%s)\nSpeech segmentation and transcription\n", u.version, u.commit)
}

func (u *UI) onExit() {
	// Cleanup
}

func (u *UI) refreshListenTitle() {
	listening := u.app.IsListening()
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.mListen != nil {
		u.mListen.SetTitle(listenTitle(listening))
	}
}

func (u *UI) currentStatus() string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.status
}

// updateStatus sets the tray title with microphone emoji and status indicator.
// It runs on the listener goroutine and must not call back into the app.
func (u *UI) updateStatus(status string) {
	u.mu.Lock()
	u.status = status
	ready := u.mListen != nil
	if ready && status != "processing" {
		u.mListen.SetTitle(listenTitle(status == "listening" || status == "capturing"))
	}
	u.mu.Unlock()

	if ready {
		systray.SetTitle(fmt.Sprintf("🎤 %s", emojiForStatus(status)))
	}
}

// emojiForStatus returns the appropriate status emoji
func emojiForStatus(status string) string {
	switch status {
	case "capturing":
		return "🔴" // Red - speech being captured
	case "processing":
		return "🟡" // Yellow - processing transcription
	case "listening":
		return "🟢" // Green - waiting for speech
	case "idle":
		return "⚫️" // Black - not listening
	case "error":
		return "⚪️" // White - error
	default:
		return "⚫️"
	}
}

func listenTitle(listening bool) string {
	if listening {
		return "Stop Listening"
	}
	return "Start Listening"
}

func modeTitle(mode string) string {
	if mode == config.ModePushToTalk {
		return "Mode: Push-to-Talk"
	}
	return "Mode: Toggle"
}

func openCommand(goos, path string) (string, []string) {
	switch goos {
	case "darwin":
		return "open", []string{path}
	case "windows":
		return "explorer", []string{path}
	default:
		return "xdg-open", []string{path}
	}
}
