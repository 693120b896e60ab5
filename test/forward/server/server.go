package main

import (
	"context"
	"flag"
	"io"
	"net"
	"net/netip"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/Clouded-Sabre/streamtcp/config"
	"github.com/Clouded-Sabre/streamtcp/lib"
	"github.com/Clouded-Sabre/streamtcp/lib/ipnet"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

var (
	serverIP   string
	serverPort int
	target     string
	configPath string
	mtu        int
)

func init() {
	flag.StringVar(&serverIP, "ip", config.ServerIP, "Server IP address")
	flag.IntVar(&serverPort, "port", 8901, "Server port number")
	flag.StringVar(&target, "target", "127.0.0.1:22", "TCP service every accepted connection is forwarded to")
	flag.StringVar(&configPath, "config", "", "yaml configuration file")
	flag.IntVar(&mtu, "mtu", 1500, "path MTU")
	flag.Parse()
}

// Accepts streamtcp connections and forwards each one to a TCP service
// reachable through the host kernel.
func main() {
	cfg := config.Default()
	if configPath != "" {
		var err error
		if cfg, err = config.LoadConfig(configPath); err != nil {
			log.Fatalf("Configuration file error: %v", err)
		}
	}
	if cfg.Core.Debug {
		log.SetLevel(log.DebugLevel)
	}
	addr, err := netip.ParseAddr(serverIP)
	if err != nil {
		log.Fatalf("Bad server IP: %v", err)
	}

	network := ipnet.NewRawIP(int(cfg.Core.ProtocolID), mtu, log.StandardLogger())
	defer network.Close()
	stack, err := lib.NewStack(cfg, network, log.StandardLogger())
	if err != nil {
		log.Fatalf("Error creating stack: %v", err)
	}
	defer stack.Close()

	srv, err := stack.Listen(netip.AddrPortFrom(addr, uint16(serverPort)), 0)
	if err != nil {
		log.Fatalf("Error listening at %s:%d: %v", serverIP, serverPort, err)
	}
	defer srv.Close()
	if cfg.Core.ProtocolID == 6 {
		rst := ipnet.NewRSTFilter(log.StandardLogger())
		if err := rst.Add(srv.AddrPort(), true); err != nil {
			log.Warnf("RST filter: %v", err)
		}
		defer rst.Remove(srv.AddrPort(), true)
	}
	log.Infof("Forwarding %s to %s", srv.AddrPort(), target)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	for {
		conn, err := srv.Accept(ctx)
		if err != nil {
			if !errors.Is(err, lib.ErrInterrupted) {
				log.Errorf("Accept error: %v", err)
			}
			break
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			forward(ctx, conn)
		}()
	}
	log.Info("Shutting down")
	wg.Wait()
}

func forward(ctx context.Context, conn *lib.Connection) {
	defer conn.Close()
	logger := log.WithField("peer", conn.RemoteAddr().String())

	var d net.Dialer
	upstream, err := d.DialContext(ctx, "tcp", target)
	if err != nil {
		logger.Errorf("Error connecting to %s: %v", target, err)
		return
	}
	defer upstream.Close()
	logger.Info("Forwarding")

	go func() {
		<-ctx.Done()
		conn.Close()
		upstream.Close()
	}()

	var g errgroup.Group
	g.Go(func() error {
		n, err := io.Copy(upstream, conn)
		upstream.(*net.TCPConn).CloseWrite()
		logger.Debugf("%d bytes upstream", n)
		return errors.Wrapf(err, "stream to %s", target)
	})
	g.Go(func() error {
		n, err := io.Copy(conn, upstream)
		conn.Shutdown(lib.ShutdownSend)
		logger.Debugf("%d bytes downstream", n)
		return errors.Wrapf(err, "stream from %s", target)
	})
	if err := g.Wait(); err != nil {
		logger.Warn(err)
		return
	}
	logger.Info("Done")
}
