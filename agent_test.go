package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nedpals/davi-card-agent/server"
	"github.com/nedpals/davi-card-agent/smartcard/phonenfc"
)

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

func testConfig(t *testing.T, transports TransportsConfig) Config {
	cfg := DefaultConfig()
	cfg.Server.Port = freePort(t)
	cfg.Server.MDNS = false
	cfg.Transports = transports
	cfg.Presence.PollInterval = 10 * time.Millisecond
	cfg.ConfigDir = t.TempDir()
	return cfg
}

func dialRetry(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		conn, _, err := websocket.DefaultDialer.Dial(url, nil)
		if err == nil {
			t.Cleanup(func() { conn.Close() })
			return conn
		}
		if time.Now().After(deadline) {
			t.Fatalf("Dial(%s) error = %v", url, err)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestNewAgentRequiresTransport(t *testing.T) {
	if _, err := NewAgent(testConfig(t, TransportsConfig{}), nil); err == nil {
		t.Error("NewAgent() with no transports succeeded")
	}
}

func TestAgentLifecycle(t *testing.T) {
	cfg := testConfig(t, TransportsConfig{Mock: true, MockReaders: []string{"r0"}})
	a, err := NewAgent(cfg, nil)
	if err != nil {
		t.Fatalf("NewAgent() error = %v", err)
	}
	defer a.Close()

	ctx := context.Background()
	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := a.Start(ctx); err == nil {
		t.Error("second Start() succeeded")
	}
	if !a.Running() || !a.Platform.Initialized() {
		t.Fatal("agent not running after Start")
	}

	conn := dialRetry(t, fmt.Sprintf("ws://127.0.0.1:%d/ws", cfg.Server.Port))
	req := map[string]any{"id": "1", "type": server.MessageTypeAcquireDevice, "payload": map[string]string{"deviceId": "r0"}}
	if err := conn.WriteJSON(req); err != nil {
		t.Fatal(err)
	}
	var resp server.WebsocketResponse
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	if err := conn.ReadJSON(&resp); err != nil {
		t.Fatalf("ReadJSON() error = %v", err)
	}
	if !resp.Success {
		t.Fatalf("acquireDevice failed: %+v", resp.Error)
	}

	a.Mock.InsertCard("r0")
	deadline := time.Now().Add(2 * time.Second)
	for {
		states, err := a.Snapshot(ctx)
		if err != nil {
			t.Fatalf("Snapshot() error = %v", err)
		}
		if len(states) == 1 && states[0].Acquired && states[0].CardPresent {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("Snapshot() = %+v, want r0 acquired with a card", states)
		}
		time.Sleep(10 * time.Millisecond)
	}

	a.Stop()
	if a.Running() || a.Platform.Initialized() {
		t.Error("agent still running after Stop")
	}
	if n := len(a.Platform.Devices()); n != 0 {
		t.Errorf("%d devices still acquired after Stop", n)
	}
	a.Stop()
}

func TestAgentRoutesPhones(t *testing.T) {
	cfg := testConfig(t, TransportsConfig{Phone: true, Mock: true, MockReaders: []string{"r0"}})
	a, err := NewAgent(cfg, nil)
	if err != nil {
		t.Fatalf("NewAgent() error = %v", err)
	}
	defer a.Close()
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	conn := dialRetry(t, fmt.Sprintf("ws://127.0.0.1:%d/ws?mode=device", cfg.Server.Port))
	payload, _ := json.Marshal(phonenfc.RegistrationRequest{
		DeviceName:   "Pixel",
		Platform:     "android",
		Capabilities: phonenfc.Capabilities{IsoDep: true},
	})
	if err := conn.WriteJSON(phonenfc.Message{ID: "reg", Type: phonenfc.MessageTypeRegisterDevice, Payload: payload}); err != nil {
		t.Fatal(err)
	}
	var reply phonenfc.Message
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	if err := conn.ReadJSON(&reply); err != nil {
		t.Fatalf("ReadJSON() error = %v", err)
	}
	if reply.Type != phonenfc.MessageTypeRegisterDeviceResponse {
		t.Fatalf("reply type = %q", reply.Type)
	}

	infos, err := a.Platform.DeviceInfo(context.Background())
	if err != nil {
		t.Fatalf("DeviceInfo() error = %v", err)
	}
	var phones int
	for _, info := range infos {
		if info.SupportsAPDU && info.Name == "Pixel" {
			phones++
		}
	}
	if phones != 1 || len(infos) != 2 {
		t.Errorf("DeviceInfo() = %+v, want the mock reader and one phone", infos)
	}
}
