package main

import (
	"fmt"
	"io"
	"sync"

	"github.com/postalsys/denobo/internal/actor"
)

// printHandler writes every message a local agent receives to w.
func printHandler(w io.Writer) actor.MessageHandler {
	var mu sync.Mutex
	return actor.MessageHandlerFunc(func(a *actor.Agent, msg *actor.Message) {
		mu.Lock()
		defer mu.Unlock()
		fmt.Fprintf(w, "[%s] %s: %s\n", a.Name(), msg.From, msg.Payload)
	})
}
