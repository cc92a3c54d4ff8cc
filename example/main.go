// Demo wiring: starts a local tool server, connects a bridge transport to
// it, and drives one synchronous and one progress-reporting asynchronous
// tool call.
package main

import (
	"fmt"
	"log"
	"time"

	"github.com/kaneken555/hello-mcp/bridge"
	"github.com/kaneken555/hello-mcp/toolserver"
)

func main() {
	server := toolserver.NewServer(&toolserver.Config{Addr: ":3000"})

	server.HandleTool("say_hello", func(tc *toolserver.ToolContext) (interface{}, error) {
		name, _ := tc.Args["name"].(string)
		if name == "" {
			name = "world"
		}
		return map[string]interface{}{"greeting": "hello " + name}, nil
	})

	server.HandleTool("countdown", func(tc *toolserver.ToolContext) (interface{}, error) {
		for i := 3; i > 0; i-- {
			if err := tc.Progress(map[string]interface{}{"remaining": i}); err != nil {
				return nil, err
			}
			time.Sleep(200 * time.Millisecond)
		}
		return map[string]interface{}{"done": true}, nil
	})

	if err := server.Start(); err != nil {
		log.Fatal("Failed to start server:", err)
	}
	defer server.Stop(5 * time.Second)

	transport, err := bridge.NewTransport("http://localhost:3000/sse", "http://localhost:3000/messages")
	if err != nil {
		log.Fatal("Failed to create transport:", err)
	}

	if err := transport.Connect(); err != nil {
		log.Fatal("Failed to connect:", err)
	}
	defer transport.Disconnect()

	if !transport.WaitUntilReady(20, 150*time.Millisecond) {
		log.Fatal("Endpoint handshake never completed")
	}
	fmt.Println("Connected; submission endpoint resolved.")

	result, err := transport.CallTool("say_hello", map[string]interface{}{"name": "Ken"}, 5*time.Second)
	if err != nil {
		log.Fatal("say_hello failed:", err)
	}
	fmt.Println("say_hello result:", result)

	events := make(chan bridge.ToolMessage, 8)
	requestID, err := transport.CallToolWithHandler("countdown", nil, func(msg bridge.ToolMessage) {
		events <- msg
	})
	if err != nil {
		log.Fatal("countdown failed:", err)
	}
	defer transport.Unsubscribe(requestID)

	for msg := range events {
		fmt.Println("countdown event:", msg)
		if result, ok := msg["result"].(map[string]interface{}); ok && result["done"] == true {
			break
		}
	}
}
