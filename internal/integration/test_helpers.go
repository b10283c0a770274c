// Package integration runs several gateway instances against one Redis and
// one SQLite file and drives them through the client library.
package integration

import (
	"context"
	"encoding/json"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap/zaptest"

	"presencehub/internal/app"
	"presencehub/internal/auth"
	"presencehub/internal/config"
	"presencehub/pkg/client"
	"presencehub/pkg/types"
)

var testSecret = "integration-secret"

type cluster struct {
	redis  *miniredis.Miniredis
	dbPath string
	nodes  []*app.Application
}

// newCluster starts n relayed instances sharing one Redis and one database
func newCluster(t *testing.T, n int) *cluster {
	t.Helper()
	gin.SetMode(gin.TestMode)
	c := &cluster{
		redis:  miniredis.RunT(t),
		dbPath: filepath.Join(t.TempDir(), "cluster.db"),
	}
	for i := 0; i < n; i++ {
		c.nodes = append(c.nodes, c.startNode(t, i))
	}
	return c
}

func (c *cluster) startNode(t *testing.T, i int) *app.Application {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Database.Path = c.dbPath
	cfg.HTTP.Host = "127.0.0.1"
	cfg.Redis.Addr = c.redis.Addr()
	cfg.Redis.Relay = true
	cfg.Redis.NodeID = "node-" + string(rune('a'+i))
	cfg.Auth.Secret = testSecret

	logger := zaptest.NewLogger(t).Named(cfg.Redis.NodeID)
	node, err := app.NewApplication(context.Background(), cfg, logger)
	if err != nil {
		t.Fatalf("NewApplication %s failed: %v", cfg.Redis.NodeID, err)
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	if err := node.Serve(context.Background(), ln); err != nil {
		t.Fatalf("Serve %s failed: %v", cfg.Redis.NodeID, err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = node.Stop(ctx)
	})
	return node
}

// connect starts a client for userID on node i and waits until the gateway
// has registered its presence.
func (c *cluster) connect(t *testing.T, i int, userID string) *client.Manager {
	t.Helper()
	token, err := auth.IssueToken([]byte(testSecret), userID, "", time.Hour)
	if err != nil {
		t.Fatalf("IssueToken failed: %v", err)
	}
	m, err := client.NewManager(client.Options{
		URL:              "ws://" + c.nodes[i].Addr() + "/ws",
		Token:            client.StaticToken(token),
		AckTimeout:       3 * time.Second,
		DisableReconnect: true,
	})
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	t.Cleanup(func() { _ = m.Stop() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if _, err := m.EmitWithAck(ctx, types.CommandPresenceHeartbeat, nil); err != nil {
		t.Fatalf("heartbeat failed: %v", err)
	}
	return m
}

// inbox buffers events of one type received by a client
func inbox(m *client.Manager, eventType string) chan *types.Envelope {
	ch := make(chan *types.Envelope, 32)
	m.Subscribe(eventType, func(env *types.Envelope) {
		select {
		case ch <- env:
		default:
		}
	})
	return ch
}

func receive(t *testing.T, ch chan *types.Envelope, match func(*types.Envelope) bool) *types.Envelope {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case env := <-ch:
			if match == nil || match(env) {
				return env
			}
		case <-deadline:
			t.Fatal("Timed out waiting for event")
			return nil
		}
	}
}

func onlineUsers(t *testing.T, m *client.Manager) []string {
	t.Helper()
	data, err := m.EmitWithAck(context.Background(), types.CommandPresenceListOnline, nil)
	if err != nil {
		t.Fatalf("presence:list failed: %v", err)
	}
	var result types.OnlineUsersResult
	if err := json.Unmarshal(data, &result); err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	return result.Users
}
