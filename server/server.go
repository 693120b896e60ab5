package main

import (
	"context"
	"flag"
	"io"
	"net/netip"
	"os"
	"os/signal"
	"syscall"

	"github.com/Clouded-Sabre/streamtcp/config"
	"github.com/Clouded-Sabre/streamtcp/lib"
	"github.com/Clouded-Sabre/streamtcp/lib/ipnet"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

func main() {
	serviceIP := flag.String("serviceIP", config.ServerIP, "Service IP address to listen on")
	port := flag.Int("port", config.ServerPort, "Service port")
	configPath := flag.String("config", "", "yaml configuration file")
	mtu := flag.Int("mtu", 1500, "path MTU")
	filterRST := flag.Bool("filterRST", true, "drop the host kernel's resets for our port when running over protocol 6")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.LoadConfig(*configPath); err != nil {
			log.Fatalln("Configuration file error:", err)
		}
	}
	if cfg.Core.Debug {
		log.SetLevel(log.DebugLevel)
	}

	addr, err := netip.ParseAddr(*serviceIP)
	if err != nil {
		log.Fatalln("Bad service IP:", err)
	}

	network := ipnet.NewRawIP(int(cfg.Core.ProtocolID), *mtu, log.StandardLogger())
	defer network.Close()

	stack, err := lib.NewStack(cfg, network, log.StandardLogger())
	if err != nil {
		log.Fatalln(err)
	}
	defer stack.Close()

	srv, err := stack.Listen(netip.AddrPortFrom(addr, uint16(*port)), 0)
	if err != nil {
		log.Fatalln("Listen error:", err)
	}
	log.Infof("Echo server listening on %s:%d", *serviceIP, *port)

	if *filterRST && cfg.Core.ProtocolID == 6 {
		rst := ipnet.NewRSTFilter(log.StandardLogger())
		if err := rst.Add(srv.AddrPort(), true); err != nil {
			log.Warnln("RST filter:", err)
		}
		defer rst.Remove(srv.AddrPort(), true)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	for {
		conn, err := srv.Accept(ctx)
		if err != nil {
			if errors.Is(err, lib.ErrInterrupted) {
				log.Info("Shutting down")
				srv.Close()
				return
			}
			log.Errorln("Accept error:", err)
			return
		}
		log.Infof("New connection from %s", conn.RemoteAddr())
		go handleConn(conn, cfg.Core.PreferredMSS)
	}
}

func handleConn(c *lib.Connection, bufSize int) {
	defer c.Close()
	buf := make([]byte, bufSize)
	for {
		n, err := c.Read(buf)
		if err != nil {
			if err == io.EOF {
				log.Infof("Connection from %s closed by client", c.RemoteAddr())
				return
			}
			log.Warnln("Read error:", err)
			return
		}
		log.Debugf("Echo server got %d bytes", n)
		if _, err := c.Write(buf[:n]); err != nil {
			log.Warnln("Write error:", err)
			return
		}
	}
}
