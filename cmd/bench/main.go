package main

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/urfave/cli/v2"

	"github.com/ryandielhenn/zephyrcast/pkg/node"
)

func main() {
	app := &cli.App{
		Name:  "zephyrcast-bench",
		Usage: "measure room broadcast fan-out across zephyrcast nodes",
		Flags: []cli.Flag{
			&cli.StringSliceFlag{Name: "addr", Value: cli.NewStringSlice("http://localhost:8080"), Usage: "node address, repeatable"},
			&cli.IntFlag{Name: "c", Value: 32, Usage: "listening clients, spread over the nodes"},
			&cli.IntFlag{Name: "n", Value: 1000, Usage: "messages to emit"},
			&cli.StringFlag{Name: "room", Value: "bench", Usage: "room to broadcast to"},
			&cli.DurationFlag{Name: "timeout", Value: 30 * time.Second, Usage: "give up after"},
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func dial(addr, room string) (*websocket.Conn, error) {
	conn, _, err := websocket.DefaultDialer.Dial(node.WebsocketURL(addr), nil)
	if err != nil {
		return nil, err
	}
	var hello node.Event
	if err := conn.ReadJSON(&hello); err != nil {
		conn.Close()
		return nil, err
	}
	if err := conn.WriteJSON(node.Frame{Type: "join", Room: room}); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

func run(c *cli.Context) error {
	addrs := c.StringSlice("addr")
	clients, n, room := c.Int("c"), c.Int("n"), c.String("room")

	listeners := make([]*websocket.Conn, 0, clients)
	defer func() {
		for _, l := range listeners {
			l.Close()
		}
	}()
	for i := 0; i < clients; i++ {
		conn, err := dial(addrs[i%len(addrs)], room)
		if err != nil {
			return fmt.Errorf("client %d: %w", i, err)
		}
		listeners = append(listeners, conn)
	}
	emitter, err := dial(addrs[0], room)
	if err != nil {
		return fmt.Errorf("emitter: %w", err)
	}
	defer emitter.Close()
	// let the joins settle before timing
	time.Sleep(200 * time.Millisecond)

	var received atomic.Int64
	deadline := time.Now().Add(c.Duration("timeout"))
	var wg sync.WaitGroup
	for _, l := range listeners {
		wg.Add(1)
		go func(conn *websocket.Conn) {
			defer wg.Done()
			_ = conn.SetReadDeadline(deadline)
			for got := 0; got < n; got++ {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
				received.Add(1)
			}
		}(l)
	}

	start := time.Now()
	for i := 0; i < n; i++ {
		if err := emitter.WriteJSON(node.Frame{Type: "emit", Room: room, Event: "bench", Data: i}); err != nil {
			return fmt.Errorf("emit: %w", err)
		}
	}
	wg.Wait()
	dur := time.Since(start)

	want := int64(n * clients)
	fmt.Printf("Delivered %d/%d messages to %d clients on %d nodes in %s (%.2f msg/s)\n",
		received.Load(), want, clients, len(addrs), dur, float64(received.Load())/dur.Seconds())
	if received.Load() < want {
		return fmt.Errorf("%d messages lost", want-received.Load())
	}
	return nil
}
