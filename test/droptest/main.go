package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"math/rand"
	"net/netip"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/Clouded-Sabre/streamtcp/config"
	"github.com/Clouded-Sabre/streamtcp/lib"
	"github.com/Clouded-Sabre/streamtcp/lib/ipnet"
	log "github.com/sirupsen/logrus"
)

var (
	dropRate   float64
	dupRate    float64
	holdRate   float64
	size       int
	configPath string
	debug      bool
)

func init() {
	flag.Float64Var(&dropRate, "droprate", 0.1, "Packet drop rate (0.0-1.0)")
	flag.Float64Var(&dupRate, "duprate", 0.05, "Packet duplication rate (0.0-1.0)")
	flag.Float64Var(&holdRate, "holdrate", 0.05, "Rate of packets held back and reordered (0.0-1.0)")
	flag.IntVar(&size, "size", 1<<20, "Bytes to transfer")
	flag.StringVar(&configPath, "config", "", "yaml configuration file")
	flag.BoolVar(&debug, "debug", false, "Debug logging")
	flag.Parse()
}

var (
	clientIP = netip.MustParseAddr("10.0.0.1")
	serverEP = netip.MustParseAddrPort("10.0.0.2:7080")
)

// Runs a client and a server stack over an in-memory network that loses,
// duplicates and reorders packets, and checks the byte stream arrives
// intact.
func main() {
	if debug {
		log.SetLevel(log.DebugLevel)
	}
	cfg := config.Default()
	if configPath != "" {
		var err error
		if cfg, err = config.LoadConfig(configPath); err != nil {
			log.Fatalln("Configuration file error:", err)
		}
	}
	cfgJSON, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		log.Fatalln("Error marshaling configuration to JSON:", err)
	}
	fmt.Println("Configuration:")
	fmt.Println(string(cfgJSON))

	network := ipnet.NewLoopback(1500, log.StandardLogger())
	defer network.Close()

	var rngMu sync.Mutex
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	network.SetFilter(func(ipnet.Packet) ipnet.Verdict {
		rngMu.Lock()
		defer rngMu.Unlock()
		switch x := rng.Float64(); {
		case x < dropRate:
			return ipnet.Drop
		case x < dropRate+dupRate:
			return ipnet.Duplicate
		case x < dropRate+dupRate+holdRate:
			return ipnet.Hold
		}
		return ipnet.Deliver
	})

	server, err := lib.NewStack(cfg, network, log.WithField("side", "server"))
	if err != nil {
		log.Fatalln(err)
	}
	defer server.Close()
	client, err := lib.NewStack(cfg, network, log.WithField("side", "client"))
	if err != nil {
		log.Fatalln(err)
	}
	defer client.Close()

	srv, err := server.Listen(serverEP, 0)
	if err != nil {
		log.Fatalf("Error listening at %s: %v", serverEP, err)
	}
	defer srv.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// held packets come back out of order every few milliseconds
	go func() {
		tick := time.NewTicker(5 * time.Millisecond)
		defer tick.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-tick.C:
				network.Release()
			}
		}
	}()

	data := make([]byte, size)
	rng.Read(data)

	start := time.Now()
	received := make(chan []byte, 1)
	go func() {
		conn, err := srv.Accept(ctx)
		if err != nil {
			log.Errorln("Accept error:", err)
			received <- nil
			return
		}
		defer conn.Close()
		got, err := io.ReadAll(conn)
		if err != nil {
			log.Errorln("Read error:", err)
		}
		received <- got
	}()

	conn, err := client.Dial(ctx, netip.AddrPortFrom(clientIP, 0), serverEP)
	if err != nil {
		log.Fatalln("Dial error:", err)
	}
	log.Infof("Connected from %s, sending %d bytes (drop %.1f%%, duplicate %.1f%%, reorder %.1f%%)",
		conn.LocalAddr(), size, dropRate*100, dupRate*100, holdRate*100)
	if _, err := conn.Write(data); err != nil {
		log.Fatalln("Write error:", err)
	}
	conn.Close()

	var got []byte
	select {
	case got = <-received:
	case <-ctx.Done():
		log.Fatalln("Interrupted")
	}
	elapsed := time.Since(start)

	delivered, dropped := network.Counters()
	log.WithFields(log.Fields{
		"elapsed":   elapsed.Round(time.Millisecond),
		"delivered": delivered,
		"dropped":   dropped,
	}).Info("Transfer finished")
	for name, s := range map[string]*lib.Stack{"client": client, "server": server} {
		statsJSON, _ := json.MarshalIndent(s.Stats(), "", "  ")
		fmt.Printf("%s stats:\n%s\n", name, statsJSON)
	}

	if !bytes.Equal(got, data) {
		log.Fatalf("Stream corrupted: received %d of %d bytes", len(got), len(data))
	}
	log.Infof("Stream intact, %.1f KB/s", float64(size)/1024/elapsed.Seconds())
}
