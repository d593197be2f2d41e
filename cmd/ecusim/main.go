// Command ecusim is a manual-test stand-in for the ECU bus. It serves a
// websocket endpoint, pushes the boot sequence (configuration, instances,
// detected users) when the first client speaks, and exposes an interactive
// menu to fire the remaining bus events by hand.
package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/bhandras/cabin/internal/wire"
	"github.com/bhandras/cabin/pkg/logger"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// hub tracks connected cabin clients and fans frames out to all of them.
type hub struct {
	mu       sync.Mutex
	clients  map[*websocket.Conn]struct{}
	prepared bool
}

func newHub() *hub {
	return &hub{clients: make(map[*websocket.Conn]struct{})}
}

func (h *hub) broadcast(msg wire.Message) {
	frame, err := msg.Encode()
	if err != nil {
		logger.Errorf("sim: encode %s: %v", msg.Name, err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.clients) == 0 {
		logger.Warnf("sim: no active connections to send data to")
		return
	}
	for conn := range h.clients {
		if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
			logger.Warnf("sim: write failed: %v", err)
		}
	}
}

func (h *hub) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warnf("sim: upgrade failed: %v", err)
		return
	}

	h.mu.Lock()
	h.clients[conn] = struct{}{}
	h.mu.Unlock()
	logger.Infof("sim: client connected from %s", r.RemoteAddr)

	defer func() {
		h.mu.Lock()
		delete(h.clients, conn)
		h.mu.Unlock()
		_ = conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			logger.Infof("sim: client disconnected: %v", err)
			return
		}
		logger.Infof("sim: %s", data)

		h.mu.Lock()
		prepared := h.prepared
		h.prepared = true
		h.mu.Unlock()
		if !prepared {
			h.prepare()
		}
	}
}

// prepare replays the bus boot sequence for a fresh cabin.
func (h *hub) prepare() {
	h.configure()
	h.addInstances()
	h.detectUsers()
}

var zones = []string{"zone_1", "zone_2", "zone_3", "zone_4"}

func (h *hub) configure() {
	inputs := make([]wire.Field, len(zones))
	for i, zone := range zones {
		inputs[i] = wire.Field{Name: zone, Value: fmt.Sprint(i + 1)}
	}
	value, err := json.Marshal(map[string]any{
		"log-level":   "info",
		"audio-input": inputs,
	})
	if err != nil {
		logger.Errorf("sim: marshal configuration: %v", err)
		return
	}

	for i := range zones {
		h.broadcast(wire.Message{
			Name:     wire.NameConfiguration,
			Type:     wire.NameConfiguration,
			Instance: i + 1,
			Value:    string(value),
		})
	}
}

func (h *hub) addInstances() {
	for i, zone := range zones {
		h.broadcast(wire.Message{
			Name:     zone,
			Type:     wire.NameInstanceAdd,
			Instance: i + 1,
			Value:    fmt.Sprint(i + 1),
		})
	}
}

func (h *hub) removeInstance(instance int) {
	h.broadcast(wire.Message{
		Name:     zones[0],
		Type:     wire.NameInstanceRemove,
		Instance: instance,
	})
}

// detectUsers announces one user per zone, from users.txt (JSON object per
// line) when present, otherwise a built-in pair.
func (h *hub) detectUsers() {
	profiles := []map[string]string{
		{"user_name": "Kati", "user_language": "en"},
		{"user_name": "Adam", "user_language": "en"},
	}
	if lines, err := readJSONLines("users.txt"); err == nil {
		profiles = nil
		for _, line := range lines {
			var profile map[string]string
			if err := json.Unmarshal(line, &profile); err != nil {
				logger.Warnf("sim: skipping bad user line: %v", err)
				continue
			}
			profiles = append(profiles, profile)
		}
	}

	for i, profile := range profiles {
		fields := make([]wire.Field, 0, len(profile))
		for name, value := range profile {
			fields = append(fields, wire.Field{Name: name, Value: value})
		}
		h.broadcast(wire.Message{
			Name:     wire.NameUserDetected,
			Type:     wire.TypeStructSignal,
			Instance: i + 1,
			Fields:   fields,
		})
	}
}

func (h *hub) enableListener(flag bool) {
	h.broadcast(wire.Message{
		Name:     wire.NameEnableListener,
		Type:     wire.TypeSimpleSignal,
		Instance: 1,
		Value:    fmt.Sprint(flag),
	})
}

func (h *hub) ttsCompleted() {
	h.broadcast(wire.Message{
		Name:     wire.NameTTSCompleted,
		Type:     wire.TypeVoidSignal,
		Instance: 1,
	})
}

func (h *hub) agentFeature(feature string) {
	h.broadcast(wire.Message{
		Name:     wire.NameAgentFeature,
		Type:     wire.TypeSimpleSignal,
		Instance: 1,
		Value:    feature,
	})
}

// mailing replays a full ingestion burst: start, one service_add_email per
// line of emails.txt (raw frame JSON), finish. Without the file a small
// built-in burst is used.
func (h *hub) mailing() {
	h.broadcast(wire.Message{
		Name:     wire.NameMailStart,
		Type:     wire.TypeVoidSignal,
		Instance: wire.BroadcastInstance,
	})

	if lines, err := readJSONLines("emails.txt"); err == nil {
		for _, line := range lines {
			msg, err := wire.Decode(line)
			if err != nil {
				logger.Warnf("sim: skipping bad email line: %v", err)
				continue
			}
			h.broadcast(msg)
		}
	} else {
		for _, e := range defaultEmails() {
			h.broadcast(e)
		}
	}

	h.broadcast(wire.Message{
		Name:     wire.NameMailEnd,
		Type:     wire.TypeVoidSignal,
		Instance: wire.BroadcastInstance,
	})
}

func defaultEmails() []wire.Message {
	email := func(sender, subject, content, kind string) wire.Message {
		return wire.Message{
			Name:     wire.NameEmailAdd,
			Type:     wire.TypeStructSignal,
			Instance: wire.BroadcastInstance,
			Fields: []wire.Field{
				{Name: "predefined", Value: "true"},
				{Name: "sender_name", Value: sender},
				{Name: "kind", Value: kind},
				{Name: "unread", Value: "true"},
				{Name: "object", Value: subject},
				{Name: "content", Value: content},
			},
		}
	}
	return []wire.Message{
		email("Customer 1", "Invitation",
			"The CEO invites all employees to a company event on 23.3 at "+
				"18:00 at the headquarters. Food, drinks and games.", "normal"),
		email("Garage", "Service due",
			"Your yearly service appointment is overdue. Please call us as "+
				"soon as possible to schedule it.", "urgent"),
	}
}

func (h *hub) nextEmail() {
	h.broadcast(wire.Message{
		Name:     wire.NameNextEmail,
		Type:     wire.TypeVoidSignal,
		Instance: 1,
	})
}

func (h *hub) reset() {
	h.broadcast(wire.Message{
		Name:     wire.NameReset,
		Type:     wire.TypeVoidSignal,
		Instance: wire.BroadcastInstance,
	})
	h.detectUsers()
}

func readJSONLines(path string) ([][]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var lines [][]byte
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if len(scanner.Bytes()) == 0 {
			continue
		}
		lines = append(lines, append([]byte(nil), scanner.Bytes()...))
	}
	return lines, scanner.Err()
}

func interactive(h *hub) {
	stdin := bufio.NewScanner(os.Stdin)
	prompt := func(message string) (string, bool) {
		fmt.Print(message)
		if !stdin.Scan() {
			return "", false
		}
		return stdin.Text(), true
	}

	for {
		fmt.Println("Enable Listener .......1")
		fmt.Println("TTS Completed .........2")
		fmt.Println("Feature ...............3")
		fmt.Println("Mail ..................4")
		fmt.Println("Next email ............5")
		fmt.Println("Remove instance .......6")
		fmt.Println("Reset .................7")
		choice, ok := prompt("Enter choice: ")
		if !ok {
			return
		}

		switch choice {
		case "1":
			flag, ok := prompt("flag [y/n]: ")
			if !ok {
				return
			}
			h.enableListener(flag == "y" || flag == "Y")
		case "2":
			h.ttsCompleted()
		case "3":
			feature, ok := prompt("feature (dialog|email|avatar|exploration): ")
			if !ok {
				return
			}
			h.agentFeature(feature)
		case "4":
			h.mailing()
		case "5":
			h.nextEmail()
		case "6":
			var instance int
			raw, ok := prompt("instance: ")
			if !ok {
				return
			}
			if _, err := fmt.Sscanf(raw, "%d", &instance); err != nil {
				fmt.Println("not a number")
				continue
			}
			h.removeInstance(instance)
		case "7":
			h.reset()
		}
	}
}

func main() {
	addr := flag.String("addr", ":9001", "listen address")
	flag.Parse()

	h := newHub()
	http.HandleFunc("/", h.handle)

	go interactive(h)

	logger.Infof("sim: listening on %s", *addr)
	if err := http.ListenAndServe(*addr, nil); err != nil {
		logger.Errorf("sim: %v", err)
		os.Exit(1)
	}
}
