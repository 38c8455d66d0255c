package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	_ "github.com/mattn/go-sqlite3"

	"github.com/pialmmh/statemachine/pkg/config"
	"github.com/pialmmh/statemachine/pkg/db"
	"github.com/pialmmh/statemachine/pkg/entitygraph"
	"github.com/pialmmh/statemachine/pkg/registry"
	"github.com/pialmmh/statemachine/pkg/statemachine"
)

type smsCtx struct {
	ID   string `json:"id"`
	Body string `json:"body"`
}

func newTestRuntime(t *testing.T) *registry.RuntimeContext {
	t.Helper()

	cfg := config.Default()
	cfg.HistoryFlushIntervalMs = 20
	store, err := db.NewSQLiteStore(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	rt, err := registry.NewRuntimeContext(cfg, store, nil)
	if err != nil {
		t.Fatalf("NewRuntimeContext: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		rt.Stop(ctx)
	})

	def, err := statemachine.NewBuilder("sms").
		InitialState("QUEUED").
		OnNewMachineCreate("SUBMIT", func(id string) interface{} {
			return &smsCtx{ID: id, Body: "hello"}
		}).
		State("QUEUED").
		On("SUBMIT", "SENDING").
		Done().
		State("SENDING").
		On("DELIVERED", "DONE").
		Done().
		State("DONE").
		FinalState().
		Done().
		Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	schema := &entitygraph.GraphSchema{
		NewContext: func(machineID string) interface{} { return &smsCtx{ID: machineID} },
		Root: entitygraph.RootSchema{
			Table: db.TableSchema{
				Name:    "sms",
				Columns: []db.Column{{Name: "body", Type: db.ColText}},
			},
			Extract: func(c interface{}) map[string]interface{} {
				return map[string]interface{}{"body": c.(*smsCtx).Body}
			},
			Apply: func(c interface{}, row map[string]interface{}) {
				c.(*smsCtx).Body, _ = row["body"].(string)
			},
		},
	}
	if _, err := registry.NewRegistry(context.Background(), rt, "sms-test", def, schema, registry.Callbacks{}); err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	return rt
}

func dialMonitor(t *testing.T, rt *registry.RuntimeContext) *websocket.Conn {
	t.Helper()

	srv := NewServer(rt, nil, nil)
	if err := srv.Start(0); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Stop(ctx)
	})

	url := fmt.Sprintf("ws://%s/ws?debug=true", srv.Addr())
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial %s: %v", url, err)
	}
	t.Cleanup(func() { conn.Close() })
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	return conn
}

// readUntil reads frames until one matches, failing on timeout.
func readUntil(t *testing.T, conn *websocket.Conn, match func(*wireMessage) bool) *wireMessage {
	t.Helper()
	for {
		var msg wireMessage
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("ReadJSON: %v", err)
		}
		if match(&msg) {
			return &msg
		}
	}
}

func TestMonitorInjectsEventAndStreamsStateChange(t *testing.T) {
	rt := newTestRuntime(t)
	conn := dialMonitor(t, rt)

	payload, _ := json.Marshal(map[string]string{"from": "+880170000001"})
	if err := conn.WriteJSON(&wireMessage{
		Type:       MsgEvent,
		RegistryID: "sms-test",
		MachineID:  "sms-1",
		EventType:  "SUBMIT",
		Payload:    payload,
	}); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}

	ack := readUntil(t, conn, func(m *wireMessage) bool { return m.Type == MsgEvent })
	if ack.Error != "" {
		t.Fatalf("event injection failed: %s", ack.Error)
	}

	change := readUntil(t, conn, func(m *wireMessage) bool { return m.Type == MsgStateChange })
	if change.MachineID != "sms-1" || change.Notification == nil {
		t.Fatalf("unexpected state change frame: %+v", change)
	}
	if change.Notification.StateAfter != "SENDING" {
		t.Errorf("expected SENDING, got %s", change.Notification.StateAfter)
	}
}

func TestMonitorSelectMachinePushesTreeview(t *testing.T) {
	rt := newTestRuntime(t)
	conn := dialMonitor(t, rt)

	reg, _ := rt.Registry("sms-test")
	if res := reg.SendEvent(context.Background(), "sms-7", statemachine.NewEvent("SUBMIT", nil)); res.Status != registry.SendAccepted {
		t.Fatalf("SendEvent: %+v", res)
	}
	m, _ := reg.Machine("sms-7")
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) && !m.IsInState("SENDING") {
		time.Sleep(5 * time.Millisecond)
	}

	if err := conn.WriteJSON(&wireMessage{
		Type:       MsgSelectMachine,
		RegistryID: "sms-test",
		MachineID:  "sms-7",
	}); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}

	tree := readUntil(t, conn, func(m *wireMessage) bool { return m.Type == MsgTreeviewUpdate })
	if tree.State != "SENDING" {
		t.Errorf("expected treeview in SENDING, got %s", tree.State)
	}
	var restored smsCtx
	if err := json.Unmarshal(tree.Context, &restored); err != nil {
		t.Fatalf("context frame not decodable: %v", err)
	}
	if restored.ID != "sms-7" {
		t.Errorf("wrong context streamed: %+v", restored)
	}
}

func TestMonitorRejectsUnknownRegistry(t *testing.T) {
	rt := newTestRuntime(t)
	conn := dialMonitor(t, rt)

	if err := conn.WriteJSON(&wireMessage{
		Type:       MsgEvent,
		RegistryID: "nope",
		MachineID:  "x",
		EventType:  "SUBMIT",
	}); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}

	reply := readUntil(t, conn, func(m *wireMessage) bool { return m.Type == MsgEvent })
	if reply.Error == "" {
		t.Fatal("expected an error frame for an unknown registry")
	}
}
