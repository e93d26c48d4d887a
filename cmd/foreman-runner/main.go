// foreman-runner is a reference worker implementation. It speaks the foreman
// worker channel protocol: connect to the assigned loopback port, report
// ready, answer requests, push periodic stats, and exit on shutdown.
//
// It executes no real workflow; it exists for integration testing and as a
// template for runtime-specific runners.
package main

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/jmswain/foreman/internal/protocol"
	"github.com/jmswain/foreman/internal/worker"
)

const statsInterval = 10 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "foreman-runner: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	port := os.Getenv(worker.EnvPort)
	if port == "" {
		return fmt.Errorf("%s is not set; foreman-runner must be launched by foreman", worker.EnvPort)
	}
	workerID := os.Getenv(worker.EnvWorkerID)
	jobID := os.Getenv(worker.EnvJobID)

	conn, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", port))
	if err != nil {
		return fmt.Errorf("connect to channel port %s: %w", port, err)
	}
	defer conn.Close()

	var writeMu sync.Mutex
	send := func(msg *protocol.Message) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		return protocol.Encode(conn, msg)
	}

	ready, _ := json.Marshal(protocol.ReadyInfo{PID: os.Getpid(), Runtime: "go"})
	if err := send(&protocol.Message{Type: protocol.TypeReady, Data: ready}); err != nil {
		return fmt.Errorf("send ready: %w", err)
	}

	stop := make(chan struct{})
	go pushStats(send, stop)
	defer close(stop)

	dec := protocol.NewDecoder(conn)
	for {
		msg, err := dec.Next()
		if err != nil {
			return fmt.Errorf("channel read: %w", err)
		}

		switch msg.Type {
		case protocol.TypeShutdown:
			return nil

		case protocol.TypeRequest:
			resp := handleRequest(workerID, jobID, msg)
			if err := send(resp); err != nil {
				return fmt.Errorf("send response: %w", err)
			}

		case protocol.TypeResponse:
			// This runner never originates requests.

		default:
		}
	}
}

// handleRequest serves the routes the reference runner understands. Every
// request gets exactly one response.
func handleRequest(workerID, jobID string, msg *protocol.Message) *protocol.Message {
	resp := &protocol.Message{
		Type:      protocol.TypeResponse,
		RequestID: msg.RequestID,
	}

	switch msg.Route {
	case "health":
		resp.Data = mustMarshal(map[string]any{
			"status":    "ok",
			"worker_id": workerID,
			"job_id":    jobID,
		})

	case "echo":
		if len(msg.Data) > 0 {
			resp.Data = msg.Data
		} else {
			resp.Data = json.RawMessage(`{}`)
		}

	case "sleep":
		var req struct {
			Millis int `json:"millis"`
		}
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			resp.Error = fmt.Sprintf("malformed sleep request: %v", err)
			break
		}
		time.Sleep(time.Duration(req.Millis) * time.Millisecond)
		resp.Data = mustMarshal(map[string]int{"slept_ms": req.Millis})

	default:
		resp.Error = fmt.Sprintf("route not implemented: %s", msg.Route)
	}

	return resp
}

// pushStats reports memory usage until stop closes.
func pushStats(send func(*protocol.Message) error, stop <-chan struct{}) {
	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			var ms runtime.MemStats
			runtime.ReadMemStats(&ms)
			data := mustMarshal(protocol.Stats{MemoryBytes: ms.Alloc})
			if err := send(&protocol.Message{Type: protocol.TypeStats, Data: data}); err != nil {
				return
			}
		case <-stop:
			return
		}
	}
}

func mustMarshal(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}
