// Command callrunner hosts a call registry end to end: persistent call
// machines against sqlite or postgres, batched transition history, archival
// of completed calls, and the optional monitoring surfaces (prometheus,
// WebSocket monitor, NATS notification bridge).
//
// Exit codes: 0 clean shutdown, 2 configuration error, 3 storage
// unreachable, 4 schema mismatch.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pialmmh/statemachine/pkg/config"
	"github.com/pialmmh/statemachine/pkg/core"
	"github.com/pialmmh/statemachine/pkg/db"
	"github.com/pialmmh/statemachine/pkg/entitygraph"
	"github.com/pialmmh/statemachine/pkg/monitor"
	"github.com/pialmmh/statemachine/pkg/observer"
	"github.com/pialmmh/statemachine/pkg/registry"
	"github.com/pialmmh/statemachine/pkg/statemachine"
)

const (
	exitConfigError   = 2
	exitStorageError  = 3
	exitSchemaError   = 4
	registryID        = "call-prod"
	ringTimeout       = 30 * time.Second
	shutdownGrace     = 15 * time.Second
	demoEventInterval = 20 * time.Millisecond
)

// CallLeg is one media leg of a call.
type CallLeg struct {
	ID    string `json:"id"`
	Codec string `json:"codec"`
}

// CallContext is the persistent entity graph of one call machine.
type CallContext struct {
	ID        string    `json:"id"`
	Caller    string    `json:"caller"`
	Callee    string    `json:"callee"`
	RingCount int64     `json:"ringCount"`
	StartedAt time.Time `json:"startedAt"`
	Legs      []CallLeg `json:"legs"`
}

func main() {
	var (
		configPath  = flag.String("config", "", "path to YAML configuration")
		dataDir     = flag.String("data", "./data", "sqlite data directory")
		postgresDSN = flag.String("postgres", "", "postgres DSN; empty uses sqlite")
		natsURL     = flag.String("nats", "", "NATS URL for the notification bridge; empty disables it")
		metricsPort = flag.Int("metrics-port", 9100, "prometheus scrape port when metrics are enabled")
		demoCalls   = flag.Int("demo-calls", 0, "number of simulated calls to drive through the registry")
	)
	flag.Parse()

	logger := core.NewDefaultLogger()

	cfg, err := config.LoadWithEnv(*configPath, "SM")
	if err != nil {
		logger.Errorf("configuration rejected: %v", err)
		os.Exit(exitConfigError)
	}

	store, err := openStore(*dataDir, *postgresDSN, logger)
	if err != nil {
		logger.Errorf("storage unreachable: %v", err)
		os.Exit(exitStorageError)
	}

	rt, err := registry.NewRuntimeContext(cfg, store, logger)
	if err != nil {
		logger.Errorf("runtime construction failed: %v", err)
		os.Exit(exitConfigError)
	}

	def, err := callDefinition()
	if err != nil {
		logger.Errorf("call definition rejected: %v", err)
		os.Exit(exitConfigError)
	}
	reg, err := registry.NewRegistry(context.Background(), rt, registryID, def, callSchema(), registry.Callbacks{
		OnMachineCreationFailed: func(machineID, reason string) {
			logger.Warnf("call %s not created: %s", machineID, reason)
		},
	})
	if err != nil {
		logger.Errorf("registry startup failed: %v", err)
		os.Exit(exitSchemaError)
	}

	if cfg.EnablePerformanceMetrics {
		go func() {
			addr := fmt.Sprintf(":%d", *metricsPort)
			logger.Infof("prometheus metrics on %s/metrics", addr)
			if err := http.ListenAndServe(addr, promhttp.Handler()); err != nil {
				logger.Errorf("metrics endpoint stopped: %v", err)
			}
		}()
	}

	var mon *monitor.Server
	if cfg.DebugWebsocketPort > 0 {
		mon = monitor.NewServer(rt, callEventTypes(), logger)
		if err := mon.Start(cfg.DebugWebsocketPort); err != nil {
			logger.Errorf("monitor startup failed: %v", err)
			os.Exit(exitConfigError)
		}
	}

	var bridge *observer.NATSBridge
	if *natsURL != "" {
		bridge, err = observer.NewNATSBridge(rt.Observers, observer.NATSBridgeConfig{
			URL:  *natsURL,
			Name: "callrunner",
		}, logger)
		if err != nil {
			logger.Errorf("NATS bridge failed: %v", err)
			os.Exit(exitConfigError)
		}
	}

	stopDemo := make(chan struct{})
	if *demoCalls > 0 {
		go runDemoTraffic(reg, *demoCalls, stopDemo, logger)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	s := <-sig
	logger.Infof("received %s, draining", s)

	close(stopDemo)
	if bridge != nil {
		bridge.Close()
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if mon != nil {
		mon.Stop(ctx)
	}
	if err := rt.Stop(ctx); err != nil {
		logger.Errorf("shutdown incomplete: %v", err)
	}
	logger.Infof("clean shutdown")
}

func openStore(dataDir, postgresDSN string, logger core.Logger) (db.Store, error) {
	if postgresDSN != "" {
		return db.NewPostgresStore(postgresDSN, logger)
	}
	return db.NewSQLiteStore(dataDir, logger)
}

// callDefinition is the production call flow: an incoming call rings, may
// report session progress in place, connects on answer, can be held and
// retrieved, and completes on hangup from either side. Unanswered rings time
// out back to IDLE; held calls park offline to free memory.
func callDefinition() (*statemachine.Definition, error) {
	b := statemachine.NewBuilder("call").
		InitialState("IDLE").
		OnNewMachineCreate("INCOMING_CALL", func(id string) interface{} {
			return &CallContext{ID: id, StartedAt: time.Now().UTC()}
		})

	b.State("IDLE").
		On("INCOMING_CALL", "RINGING").
		Done()

	b.State("RINGING").
		On("ANSWER", "CONNECTED").
		On("REJECT", "COMPLETED").
		Stay("SESSION_PROGRESS", func(ctx context.Context, m *statemachine.Machine, e statemachine.Event) (bool, error) {
			m.Context().(*CallContext).RingCount++
			return true, nil
		}).
		Timeout(ringTimeout, "IDLE").
		Done()

	b.State("CONNECTED").
		On("HOLD", "ON_HOLD").
		On("HANGUP", "COMPLETED").
		OnEntry(func(ctx context.Context, m *statemachine.Machine, e statemachine.Event) error {
			call := m.Context().(*CallContext)
			call.Legs = append(call.Legs, CallLeg{
				ID:    fmt.Sprintf("%s-leg%d", m.ID(), len(call.Legs)+1),
				Codec: "g711",
			})
			return nil
		}).
		Done()

	b.State("ON_HOLD").
		Offline().
		On("RETRIEVE", "CONNECTED").
		On("HANGUP", "COMPLETED").
		Done()

	b.State("COMPLETED").
		FinalState().
		Done()

	return b.Build()
}

func callSchema() *entitygraph.GraphSchema {
	return &entitygraph.GraphSchema{
		NewContext: func(machineID string) interface{} {
			return &CallContext{ID: machineID}
		},
		Lookup: entitygraph.LookupByID,
		Root: entitygraph.RootSchema{
			Table: db.TableSchema{
				Name: "calls",
				Columns: []db.Column{
					{Name: "caller", Type: db.ColText},
					{Name: "callee", Type: db.ColText},
					{Name: "ring_count", Type: db.ColInteger},
					{Name: "started_at", Type: db.ColTimestamp},
				},
			},
			Extract: func(c interface{}) map[string]interface{} {
				call := c.(*CallContext)
				return map[string]interface{}{
					"caller":     call.Caller,
					"callee":     call.Callee,
					"ring_count": call.RingCount,
					"started_at": call.StartedAt,
				}
			},
			Apply: func(c interface{}, row map[string]interface{}) {
				call := c.(*CallContext)
				call.Caller, _ = row["caller"].(string)
				call.Callee, _ = row["callee"].(string)
				if n, ok := row["ring_count"].(int64); ok {
					call.RingCount = n
				}
				if ts, ok := row["started_at"].(time.Time); ok {
					call.StartedAt = ts
				}
			},
		},
		Children: []entitygraph.ChildSchema{{
			Table: db.TableSchema{
				Name: "call_legs",
				Columns: []db.Column{
					{Name: "parent_id", Type: db.ColText},
					{Name: "codec", Type: db.ColText},
				},
			},
			Extract: func(c interface{}) []map[string]interface{} {
				call := c.(*CallContext)
				rows := make([]map[string]interface{}, 0, len(call.Legs))
				for _, leg := range call.Legs {
					rows = append(rows, map[string]interface{}{
						"id":    leg.ID,
						"codec": leg.Codec,
					})
				}
				return rows
			},
			Apply: func(c interface{}, rows []map[string]interface{}) {
				call := c.(*CallContext)
				for _, row := range rows {
					id, _ := row["id"].(string)
					codec, _ := row["codec"].(string)
					call.Legs = append(call.Legs, CallLeg{ID: id, Codec: codec})
				}
			},
		}},
	}
}

// callEventTypes registers the payload shapes the monitor can decode for
// hand-injected events.
func callEventTypes() *statemachine.EventTypeRegistry {
	r := statemachine.NewEventTypeRegistry()
	r.Register("INCOMING_CALL", func() interface{} {
		return &struct {
			Caller string `json:"caller"`
			Callee string `json:"callee"`
		}{}
	})
	r.Register("SESSION_PROGRESS", func() interface{} {
		return &struct {
			Ring int `json:"ring"`
		}{}
	})
	return r
}

// runDemoTraffic drives n simulated calls through the full flow so the
// monitoring surfaces have something to show.
func runDemoTraffic(reg *registry.Registry, n int, stop <-chan struct{}, logger core.Logger) {
	var launched atomic.Int64
	ctx := context.Background()

	for i := 0; i < n; i++ {
		select {
		case <-stop:
			return
		case <-time.After(demoEventInterval):
		}

		id := core.GenerateMachineID()
		steps := []string{"INCOMING_CALL", "SESSION_PROGRESS", "ANSWER", "HANGUP"}
		go func(id string) {
			for _, eventType := range steps {
				res := reg.SendEvent(ctx, id, statemachine.NewEvent(eventType, nil))
				if res.Status == registry.SendRejected {
					logger.Warnf("demo call %s rejected at %s: %s", id, eventType, res.Reason)
					return
				}
				time.Sleep(demoEventInterval)
			}
		}(id)
		launched.Add(1)
	}
	logger.Infof("demo traffic: %d calls launched", launched.Load())
}
