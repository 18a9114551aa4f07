// Command collab-relay runs a standalone relay hub, advertises it over
// mDNS, and serves websocket connections on /ws.
package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"

	"github.com/charmbracelet/log"

	"github.com/zenibako/collab-golang/wsrelay"
)

func main() {
	port := flag.Int("port", 8080, "port to listen on")
	mdns := flag.Bool("mdns", true, "advertise the relay over mDNS")
	flag.Parse()

	hub := wsrelay.NewHub()
	go hub.Run()

	if *mdns {
		server, err := wsrelay.RegisterRelay(*port)
		if err != nil {
			log.Error("Failed to advertise relay", "error", err)
			os.Exit(1)
		}
		defer server.Shutdown()
	}

	http.HandleFunc("/ws", hub.ServeWS)
	log.Info("Relay listening", "port", *port)
	if err := http.ListenAndServe(fmt.Sprintf(":%d", *port), nil); err != nil {
		log.Error("Relay stopped", "error", err)
		os.Exit(1)
	}
}
