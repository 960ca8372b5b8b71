// Command condalf-backend is the CoAP ingestion gateway: it accepts
// block-wise PUTs from constrained devices and relays each reassembled
// payload to one or more upstream CoAP endpoints, grounded on main.cpp in
// the original source.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/condalf/backend/coap"
	"github.com/condalf/backend/config"
	"github.com/condalf/backend/logging"
	"github.com/condalf/backend/queue"
	"github.com/condalf/backend/relay"
	"github.com/condalf/backend/script"
	"github.com/condalf/backend/server"
)

func usage() {
	fmt.Fprintf(os.Stderr, `condalf-backend: CoAP data ingestion gateway

Usage:
  condalf-backend [-h <host>] [-p <port>] [-r <relay-config>] [-s <script.so>]

Flags:
`)
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
Once running, commands may be typed on stdin:
  status   report whether the server and relay are active
  start    start the server and relay
  stop     stop the server and relay
  reload   stop then start the server and relay
  quit, q  stop the server and relay and exit
`)
}

func main() {
	host := flag.String("h", "0.0.0.0", "address to bind the ingestion endpoint to")
	port := flag.String("p", "5683", "port to bind the ingestion endpoint to")
	relayConfigPath := flag.String("r", "", "optional path to the relay target list; omit to run server-only with relaying disabled")
	scriptPath := flag.String("s", "", "optional script plugin (.so) to process ingested payloads")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")
	flag.Usage = usage
	flag.Parse()

	log := logging.New(*logLevel)

	var targets []string
	relayEnabled := *relayConfigPath != ""
	if relayEnabled {
		var err error
		targets, err = config.Parse(*relayConfigPath)
		if err != nil {
			log.Errorf("could not load relay config: %s", err)
			os.Exit(1)
		}
		if len(targets) == 0 {
			log.Warnf("relay config %q names no targets; ingested data will be dropped on the floor", *relayConfigPath)
		}
	} else {
		log.Printf("no -r relay config given; running server-only, relaying disabled")
	}

	processor := script.Noop
	if *scriptPath != "" {
		p, err := script.LoadPlugin(*scriptPath)
		if err != nil {
			log.Errorf("could not load script plugin: %s", err)
			os.Exit(1)
		}
		processor = p
	}

	facade := coap.Instance(log)
	outbound := queue.New()

	srv := server.NewServerService(facade, *host, *port, outbound, processor, log)

	var rel *relay.RelayService
	if relayEnabled {
		rel = relay.NewRelayService(facade, outbound, targets, log)
	}

	if !srv.Start() {
		log.Errorf("server failed to start")
		os.Exit(1)
	}
	if rel != nil && !rel.Start() {
		log.Errorf("relay failed to start")
		srv.Stop()
		os.Exit(1)
	}
	log.Printf("condalf-backend listening on %s:%s, relaying to %d target(s)", *host, *port, len(targets))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	cmdCh := make(chan string)
	go readCommands(cmdCh)

	for {
		select {
		case <-sigCh:
			log.Printf("received shutdown signal")
			cleanup(srv, rel, log)
			return

		case cmd, ok := <-cmdCh:
			if !ok {
				cleanup(srv, rel, log)
				return
			}
			if shouldQuit := handleCommand(cmd, srv, rel, log); shouldQuit {
				cleanup(srv, rel, log)
				return
			}
		}
	}
}

func readCommands(out chan<- string) {
	defer close(out)
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		out <- scanner.Text()
	}
}

func handleCommand(cmd string, srv *server.ServerService, rel *relay.RelayService, log logging.FieldLogger) (quit bool) {
	relayActive := rel != nil && rel.IsActive()
	switch cmd {
	case "status":
		log.Printf("server active=%t relay active=%t", srv.IsActive(), relayActive)
	case "start":
		srv.Start()
		if rel != nil {
			rel.Start()
		}
	case "stop":
		if rel != nil {
			rel.Stop()
		}
		srv.Stop()
	case "reload":
		if rel != nil {
			rel.Reload()
		}
		srv.Reload()
	case "quit", "q":
		return true
	case "":
		// ignore blank lines
	default:
		log.Warnf("unrecognized command %q", cmd)
	}
	return false
}

// cleanup stops both services on the way out. Relay is nil when the process
// was started without -r (server-only, relaying disabled), so it is
// nil-checked before Stop.
func cleanup(srv *server.ServerService, rel *relay.RelayService, log logging.FieldLogger) {
	if rel != nil {
		rel.Stop()
	}
	if srv != nil {
		srv.Stop()
	}
	log.Printf("condalf-backend shut down cleanly")
}
