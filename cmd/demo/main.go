// Command demo is a minimal embedding example: it builds a rule table in
// Go, starts a proxy on an ephemeral port, and prints two lines describing
// what the rule table does; it does not print the listening address. Mirrors how the teacher's examples/
// demonstrate library usage, adapted from a one-shot HTTP call to a
// long-running embedded server.
package main

import (
	"context"
	"fmt"
	"log"

	"go.uber.org/zap"

	"github.com/ghostproxy/ghostproxy/pkg/ca"
	"github.com/ghostproxy/ghostproxy/pkg/events"
	"github.com/ghostproxy/ghostproxy/pkg/request"
	"github.com/ghostproxy/ghostproxy/pkg/rules"
	"github.com/ghostproxy/ghostproxy/pkg/server"
	"github.com/ghostproxy/ghostproxy/pkg/transform"
	"github.com/ghostproxy/ghostproxy/pkg/upstream"
)

func main() {
	authority, _, _, err := ca.Generate("ghostproxy demo CA")
	if err != nil {
		log.Fatalf("generate ephemeral CA: %v", err)
	}

	bus := events.New(nil)
	bus.Subscribe(func(e events.Event) {
		fmt.Printf("event: %s method=%s url=%s\n", e.Type, e.Method, e.URL)
	})

	store := rules.NewStore()
	store.AddRule("hello", []rules.Matcher{
		rules.MethodMatcher{Method: "GET"},
		rules.PathMatcher{Path: "/hello"},
	}, rules.ReplyWithHandler{
		Spec: rules.ResponseSpec{
			StatusCode: 200,
			Headers:    request.RawHeaders{}.Set("Content-Type", "text/plain"),
			Body:       []byte("hello from ghostproxy\n"),
		},
	}, rules.Always())

	if _, err := store.SetFallback("passthrough", rules.PassThroughHandler{}); err != nil {
		log.Fatalf("set fallback: %v", err)
	}

	dispatcher := upstream.NewDispatcher()
	executor := transform.NewExecutor(dispatcher, bus)

	srv := server.New(server.Config{
		Addr:     "127.0.0.1:0",
		CA:       authority,
		Rules:    store,
		Bus:      bus,
		Executor: executor,
		Logger:   zap.NewNop(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fmt.Println("demo proxy starting; a GET of /hello through it returns a canned response,")
	fmt.Println("anything else passes through to the real destination.")

	if err := srv.ListenAndServe(ctx); err != nil {
		log.Fatalf("serve: %v", err)
	}
}
