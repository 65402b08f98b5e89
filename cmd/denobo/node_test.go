package main

import (
	"context"
	"testing"
	"time"

	"github.com/postalsys/denobo/internal/actor"
	"github.com/postalsys/denobo/internal/config"
	"github.com/postalsys/denobo/internal/logging"
	"github.com/postalsys/denobo/internal/node"
)

func newTestNode(t *testing.T, cfg *config.Config, h actor.MessageHandler) *node.Node {
	t.Helper()
	n, err := node.New(cfg, node.WithLogger(logging.NopLogger()), node.WithMessageHandler(h))
	if err != nil {
		t.Fatalf("node.New() error = %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := n.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() { shutdown(n) })
	return n
}
