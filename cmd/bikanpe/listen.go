package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/url"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"

	"github.com/bikanpe/bikanpe/internal/protocol"
)

// runListen is a read-only diagnostic client: it performs the client_hello
// handshake against a director and prints every envelope it receives as
// pretty-printed JSON, exiting cleanly on SIGINT/SIGTERM. Grounded on the
// teacher's cmd/ws_listen/main.go polling/printing loop, generalized from
// CamillaDSP's GetFaders polling to the envelope-pushed bi-kanpe wire.
func runListen(args []string) {
	fs := flag.NewFlagSet("listen", flag.ExitOnError)
	wsURL := fs.String("ws", "ws://127.0.0.1:9876/ws", "Director websocket URL")
	name := fs.String("name", "listen", "Client name presented in client_hello")
	_ = fs.Parse(args)

	u, err := url.Parse(*wsURL)
	if err != nil {
		log.Fatalf("invalid websocket URL: %v", err)
	}

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)

	d := websocket.Dialer{HandshakeTimeout: 5 * time.Second}

	log.Printf("connecting to %s...", u.String())
	conn, _, err := d.Dial(u.String(), nil)
	if err != nil {
		log.Fatalf("failed to connect: %v", err)
	}
	defer conn.Close()

	var writeMu sync.Mutex

	hello, err := protocol.EncodeBytes(protocol.TypeClientHello, protocol.ClientHelloPayload{
		ClientName:        *name,
		DisplayMonitorIDs: []string{protocol.AllSentinel},
	})
	if err != nil {
		log.Fatalf("failed to build client_hello: %v", err)
	}
	writeMu.Lock()
	err = conn.WriteMessage(websocket.TextMessage, hello)
	writeMu.Unlock()
	if err != nil {
		log.Fatalf("failed to send client_hello: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	pingTicker := time.NewTicker(30 * time.Second)
	defer pingTicker.Stop()
	go func() {
		for range pingTicker.C {
			writeMu.Lock()
			err := conn.WriteMessage(websocket.PingMessage, nil)
			writeMu.Unlock()
			if err != nil {
				log.Printf("ping failed: %v", err)
				return
			}
		}
	}()

	log.Printf("connected as %q (press Ctrl+C to exit)", *name)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			messageType, message, err := conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
					log.Printf("websocket error: %v", err)
				}
				return
			}
			if messageType != websocket.TextMessage {
				continue
			}
			printEnvelope(message, conn, &writeMu)
		}
	}()

	select {
	case <-sigc:
		log.Printf("shutting down...")
		writeMu.Lock()
		err := conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		writeMu.Unlock()
		if err != nil {
			log.Printf("error closing connection: %v", err)
		}
	case <-done:
		log.Printf("connection closed")
	}
}

// printEnvelope decodes and pretty-prints one server envelope, replying to
// application-level pings so the director doesn't treat listen as a dead
// consumer.
func printEnvelope(raw []byte, conn *websocket.Conn, writeMu *sync.Mutex) {
	env, err := protocol.Decode(raw)
	if err != nil {
		fmt.Printf("[UNPARSEABLE] %s\n", string(raw))
		return
	}

	if env.Type == protocol.TypePing {
		pong, err := protocol.EncodeBytes(protocol.TypePong, nil)
		if err == nil {
			writeMu.Lock()
			_ = conn.WriteMessage(websocket.TextMessage, pong)
			writeMu.Unlock()
		}
	}

	pretty, err := json.MarshalIndent(env, "", "  ")
	if err != nil {
		fmt.Printf("[%s] %s\n", env.Type, string(raw))
		return
	}
	fmt.Printf("[%s]\n%s\n\n", env.Type, string(pretty))
}
