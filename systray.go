package main

import (
	"context"
	"fmt"
	"os/exec"
	"runtime"
	"sort"
	"sync"
	"time"

	"fyne.io/systray"
	"go.uber.org/zap"

	"github.com/nedpals/davi-card-agent/buildinfo"
	"github.com/nedpals/davi-card-agent/server"
	"github.com/nedpals/davi-card-agent/smartcard"
)

const trayRefreshInterval = 2 * time.Second

// SystrayApp manages the system tray interface for the agent.
type SystrayApp struct {
	agent  *Agent
	logger *zap.Logger

	mStatus     *systray.MenuItem
	mURL        *systray.MenuItem
	mCopyURL    *systray.MenuItem
	mDeviceMenu *systray.MenuItem
	mNoDevices  *systray.MenuItem
	mInterrupt  *systray.MenuItem
	mStart      *systray.MenuItem
	mStop       *systray.MenuItem
	mQuit       *systray.MenuItem

	mu          sync.Mutex
	deviceItems map[string]*systray.MenuItem
	refresh     chan struct{}
	unsubscribe func()
}

// NewSystrayApp creates the tray front end for agent.
func NewSystrayApp(agent *Agent, logger *zap.Logger) *SystrayApp {
	return &SystrayApp{
		agent:       agent,
		logger:      logger.Named("systray"),
		deviceItems: make(map[string]*systray.MenuItem),
		refresh:     make(chan struct{}, 1),
	}
}

// Run blocks until Quit.
func (s *SystrayApp) Run() {
	systray.Run(s.onReady, s.onExit)
}

// Quit closes the tray, which makes Run return.
func (s *SystrayApp) Quit() {
	systray.Quit()
}

func (s *SystrayApp) onReady() {
	s.setupUI()
	s.unsubscribe = s.agent.Platform.Subscribe(func(smartcard.Event) { s.requestRefresh() })
	go s.refreshLoop()
	go s.handleMenuEvents()
	go s.startAgent()
}

func (s *SystrayApp) onExit() {
	if s.unsubscribe != nil {
		s.unsubscribe()
	}
	s.agent.Close()
}

func (s *SystrayApp) setupUI() {
	systray.SetIcon(iconData)
	systray.SetTitle("")
	systray.SetTooltip(buildinfo.DisplayName)

	s.mStatus = systray.AddMenuItem("Starting...", "Agent status")
	s.mStatus.Disable()
	s.mURL = systray.AddMenuItem("API: Not running", "Websocket API address")
	s.mURL.Disable()
	s.mCopyURL = systray.AddMenuItem("Copy API URL", "Copy the websocket URL to the clipboard")

	systray.AddSeparator()

	s.mDeviceMenu = systray.AddMenuItem("Devices", "Attached readers and phones")
	s.mNoDevices = s.mDeviceMenu.AddSubMenuItem("No devices", "")
	s.mNoDevices.Disable()
	s.mInterrupt = systray.AddMenuItem("Interrupt Waits", "Cancel pending card waits on every device")

	systray.AddSeparator()

	s.mStart = systray.AddMenuItem("Start Agent", "Start the agent")
	s.mStop = systray.AddMenuItem("Stop Agent", "Stop the agent")
	s.mStart.Disable()
	s.mStop.Disable()

	systray.AddSeparator()
	versionItem := systray.AddMenuItem(buildinfo.FullVersion(), "")
	versionItem.Disable()
	s.mQuit = systray.AddMenuItem("Quit", "Quit the application")
}

func (s *SystrayApp) startAgent() {
	if err := s.agent.Start(context.Background()); err != nil {
		s.logger.Error("Failed to start agent", zap.Error(err))
		s.updateStatus("Failed to Start")
		s.mStart.Enable()
		return
	}
	s.updateStatus("Running")
	s.mStart.Disable()
	s.mStop.Enable()
	s.requestRefresh()
}

func (s *SystrayApp) stopAgent() {
	s.agent.Stop()
	s.updateStatus("Stopped")
	s.mStop.Disable()
	s.mStart.Enable()
	s.requestRefresh()
}

func (s *SystrayApp) handleMenuEvents() {
	for {
		select {
		case <-s.mStart.ClickedCh:
			go s.startAgent()
		case <-s.mStop.ClickedCh:
			s.stopAgent()
		case <-s.mInterrupt.ClickedCh:
			s.logger.Info("Interrupt requested from tray")
			s.agent.Platform.Interrupt("tray")
		case <-s.mCopyURL.ClickedCh:
			if url := s.apiURL(); url != "" {
				if err := copyToClipboard(url); err != nil {
					s.logger.Warn("Failed to copy to clipboard", zap.Error(err))
				}
			}
		case <-s.mQuit.ClickedCh:
			systray.Quit()
			return
		}
	}
}

// requestRefresh coalesces refresh requests; platform observers must not
// block.
func (s *SystrayApp) requestRefresh() {
	select {
	case s.refresh <- struct{}{}:
	default:
	}
}

func (s *SystrayApp) refreshLoop() {
	ticker := time.NewTicker(trayRefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
		case <-s.refresh:
		}
		s.updateDevices()
		s.updateURL()
	}
}

func (s *SystrayApp) updateDevices() {
	if !s.agent.Running() {
		s.showDevices(nil)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	states, err := s.agent.Snapshot(ctx)
	if err != nil {
		s.logger.Debug("Error listing devices", zap.Error(err))
		return
	}
	s.showDevices(states)
}

// showDevices reuses menu items by device id; items for devices that went
// away are hidden since tray items cannot be removed.
func (s *SystrayApp) showDevices(states []DeviceState) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sort.Slice(states, func(i, j int) bool { return states[i].Info.ID < states[j].Info.ID })
	seen := make(map[string]bool, len(states))
	for _, st := range states {
		seen[st.Info.ID] = true
		title := deviceTitle(st)
		item, ok := s.deviceItems[st.Info.ID]
		if !ok {
			item = s.mDeviceMenu.AddSubMenuItem(title, st.Info.ID)
			item.Disable()
			s.deviceItems[st.Info.ID] = item
		}
		item.SetTitle(title)
		item.Show()
	}
	for id, item := range s.deviceItems {
		if !seen[id] {
			item.Hide()
		}
	}

	if len(states) == 0 {
		s.mNoDevices.Show()
	} else {
		s.mNoDevices.Hide()
	}
	s.mDeviceMenu.SetTitle(fmt.Sprintf("Devices (%d)", len(states)))
}

// deviceTitle renders one device line, e.g. "ACR122U: card present".
func deviceTitle(st DeviceState) string {
	name := st.Info.Name
	if name == "" {
		name = st.Info.ID
	}
	var state string
	switch {
	case !st.Acquired:
		state = "idle"
	case st.InSession:
		state = "in session"
	case st.CardPresent:
		state = "card present"
	default:
		state = "no card"
	}
	return name + ": " + state
}

func (s *SystrayApp) updateURL() {
	if url := s.apiURL(); url != "" {
		s.mURL.SetTitle("API: " + url)
	} else {
		s.mURL.SetTitle("API: Not running")
	}
}

func (s *SystrayApp) apiURL() string {
	if !s.agent.Running() {
		return ""
	}
	host := "localhost"
	if addrs, err := server.LANAddrs(); err == nil && len(addrs) > 0 {
		host = addrs[0]
	}
	return apiURL(host, s.agent.Port(), s.agent.TLSActive())
}

func apiURL(host string, port int, tls bool) string {
	scheme := "ws"
	if tls {
		scheme = "wss"
	}
	return fmt.Sprintf("%s://%s:%d/ws", scheme, host, port)
}

func (s *SystrayApp) updateStatus(status string) {
	s.mStatus.SetTitle(status)
	switch status {
	case "Running":
		systray.SetIcon(iconDataConnected)
	case "Failed to Start":
		systray.SetIcon(iconDataError)
	case "Stopped":
		systray.SetIcon(iconDataStopped)
	default:
		systray.SetIcon(iconData)
	}
}

func copyToClipboard(text string) error {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("pbcopy")
	case "linux":
		cmd = exec.Command("xclip", "-selection", "clipboard")
	case "windows":
		cmd = exec.Command("clip")
	default:
		return fmt.Errorf("unsupported platform: %s", runtime.GOOS)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return err
	}
	if _, err := stdin.Write([]byte(text)); err != nil {
		return err
	}
	stdin.Close()
	return cmd.Wait()
}
