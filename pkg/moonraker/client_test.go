package moonraker

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"klipper-autospeed/pkg/link"
)

// fakeMoonraker answers JSON-RPC calls the way Moonraker does: console
// output first as notify_gcode_response, then the "ok" result.
type fakeMoonraker struct {
	mu       sync.Mutex
	methods  []string
	scripts  []string
	identity string
	stopped  bool
}

func (f *fakeMoonraker) handler(t *testing.T) http.HandlerFunc {
	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()

		for {
			var req struct {
				Method string         `json:"method"`
				Params map[string]any `json:"params"`
				ID     int64          `json:"id"`
			}
			if err := conn.ReadJSON(&req); err != nil {
				return
			}
			f.mu.Lock()
			f.methods = append(f.methods, req.Method)
			f.mu.Unlock()

			var resp map[string]any
			switch req.Method {
			case "server.connection.identify":
				f.mu.Lock()
				f.identity, _ = req.Params["client_name"].(string)
				f.mu.Unlock()
				resp = result(req.ID, map[string]any{"connection_id": 1})
			case "printer.gcode.script":
				script, _ := req.Params["script"].(string)
				f.mu.Lock()
				f.scripts = append(f.scripts, script)
				f.mu.Unlock()
				if strings.Contains(script, "G28") && strings.Contains(script, "Z0") {
					conn.WriteJSON(notify("!! Must home X and Y first"))
					resp = map[string]any{"jsonrpc": "2.0", "id": req.ID,
						"error": map[string]any{"code": 400, "message": "Must home X and Y first"}}
					break
				}
				if strings.Contains(script, "GET_POSITION") {
					conn.WriteJSON(notify("// mcu: stepper_x:10 stepper_y:20 stepper_z:30"))
					conn.WriteJSON(notify("// toolhead: X:1.0 Y:2.0 Z:3.0 E:0.0"))
				}
				resp = result(req.ID, "ok")
			case "printer.emergency_stop":
				f.mu.Lock()
				f.stopped = true
				f.mu.Unlock()
				resp = result(req.ID, "ok")
			default:
				resp = map[string]any{"jsonrpc": "2.0", "id": req.ID,
					"error": map[string]any{"code": -32601, "message": "Method not found"}}
			}
			conn.WriteJSON(resp)
		}
	}
}

func result(id int64, v any) map[string]any {
	return map[string]any{"jsonrpc": "2.0", "id": id, "result": v}
}

func notify(line string) map[string]any {
	return map[string]any{"jsonrpc": "2.0", "method": "notify_gcode_response", "params": []string{line}}
}

func dialFake(t *testing.T) (*Client, *fakeMoonraker) {
	t.Helper()
	fake := &fakeMoonraker{}
	mux := http.NewServeMux()
	mux.HandleFunc("/websocket", fake.handler(t))
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := Dial(ctx, Config{URL: "ws" + server.URL[4:] + "/websocket"})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c, fake
}

func TestDialIdentifies(t *testing.T) {
	_, fake := dialFake(t)
	fake.mu.Lock()
	defer fake.mu.Unlock()
	if fake.identity != "klipper-autospeed" {
		t.Errorf("client_name = %q", fake.identity)
	}
}

func TestScriptCollectsConsole(t *testing.T) {
	c, fake := dialFake(t)
	lines, err := c.Script(context.Background(), "M400\nGET_POSITION")
	if err != nil {
		t.Fatalf("Script: %v", err)
	}
	if len(lines) != 2 || !strings.Contains(lines[0], "mcu:") {
		t.Errorf("lines = %q", lines)
	}

	fake.mu.Lock()
	defer fake.mu.Unlock()
	if len(fake.scripts) != 1 || fake.scripts[0] != "M400\nGET_POSITION" {
		t.Errorf("scripts = %q, want one combined script", fake.scripts)
	}
}

func TestScriptThroughLink(t *testing.T) {
	c, _ := dialFake(t)
	p := link.New(c, link.DefaultConfig())
	steps, err := p.ReadSteps(context.Background(), []string{"stepper_x", "stepper_z"})
	if err != nil {
		t.Fatalf("ReadSteps: %v", err)
	}
	if steps["stepper_x"] != 10 || steps["stepper_z"] != 30 {
		t.Errorf("steps = %v", steps)
	}
}

func TestScriptCommandError(t *testing.T) {
	c, _ := dialFake(t)
	lines, err := c.Script(context.Background(), "G28 Z0")
	var cerr *link.CommandError
	if !errors.As(err, &cerr) {
		t.Fatalf("err = %v, want *link.CommandError", err)
	}
	if cerr.Message != "Must home X and Y first" {
		t.Errorf("message = %q", cerr.Message)
	}
	if len(lines) != 1 {
		t.Errorf("lines = %q, want the error line", lines)
	}
}

func TestEmergencyStop(t *testing.T) {
	c, fake := dialFake(t)
	if err := c.EmergencyStop(context.Background()); err != nil {
		t.Fatalf("EmergencyStop: %v", err)
	}
	fake.mu.Lock()
	defer fake.mu.Unlock()
	if !fake.stopped {
		t.Error("printer.emergency_stop not called")
	}
}

func TestCallAfterClose(t *testing.T) {
	c, _ := dialFake(t)
	c.Close()
	_, err := c.Script(context.Background(), "M400")
	if !errors.Is(err, ErrClosed) {
		t.Errorf("err = %v, want ErrClosed", err)
	}
}

func TestContextCancel(t *testing.T) {
	c, _ := dialFake(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := c.call(ctx, "server.info", nil); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestDialRequiresURL(t *testing.T) {
	if _, err := Dial(context.Background(), Config{}); err == nil {
		t.Error("expected error")
	}
	var resp jsonRPCResponse
	if err := json.Unmarshal([]byte(`{"jsonrpc":"2.0","method":"notify_gcode_response","params":["x"]}`), &resp); err != nil || resp.ID != nil {
		t.Errorf("notification decoded with id: %v %v", resp.ID, err)
	}
}
