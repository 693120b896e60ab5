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

// Accepts plain TCP clients on a local port and carries each one to a
// forwarding server over streamtcp.
func main() {
	localAddr := flag.String("listen", "127.0.0.1:2222", "Local TCP address for clients")
	serverIP := flag.String("serverIP", config.ServerIP, "Forwarding server IP address")
	serverPort := flag.Int("serverPort", 8901, "Forwarding server port")
	sourceIP := flag.String("sourceIP", "", "Source IP; picked from the interfaces when empty")
	configPath := flag.String("config", "", "yaml configuration file")
	mtu := flag.Int("mtu", 1500, "path MTU")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.LoadConfig(*configPath); err != nil {
			log.Fatalf("Configuration file error: %v", err)
		}
	}
	if cfg.Core.Debug {
		log.SetLevel(log.DebugLevel)
	}

	dst, err := netip.ParseAddr(*serverIP)
	if err != nil {
		log.Fatalf("Bad server IP: %v", err)
	}
	remote := netip.AddrPortFrom(dst, uint16(*serverPort))
	var src netip.Addr
	if *sourceIP != "" {
		src, err = netip.ParseAddr(*sourceIP)
	} else {
		src, err = findLocalIP(dst)
	}
	if err != nil {
		log.Fatalf("Source IP: %v", err)
	}
	log.Infof("Selected local IP: %s", src)

	network := ipnet.NewRawIP(int(cfg.Core.ProtocolID), *mtu, log.StandardLogger())
	defer network.Close()
	stack, err := lib.NewStack(cfg, network, log.StandardLogger())
	if err != nil {
		log.Fatalf("Error creating stack: %v", err)
	}
	defer stack.Close()
	if cfg.Core.ProtocolID == 6 {
		rst := ipnet.NewRSTFilter(log.StandardLogger())
		if err := rst.Add(remote, false); err != nil {
			log.Warnf("RST filter: %v", err)
		}
		defer rst.Remove(remote, false)
	}

	ln, err := net.Listen("tcp", *localAddr)
	if err != nil {
		log.Fatalf("Failed to listen on %s: %v", *localAddr, err)
	}
	log.Infof("Forwarding %s to %s", ln.Addr(), remote)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	var wg sync.WaitGroup
	for {
		c, err := ln.Accept()
		if err != nil {
			if ctx.Err() == nil {
				log.Errorf("Accept error: %v", err)
			}
			break
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			handleClient(ctx, stack, c.(*net.TCPConn), netip.AddrPortFrom(src, 0), remote)
		}()
	}
	wg.Wait()
}

func handleClient(ctx context.Context, stack *lib.Stack, c *net.TCPConn, local, remote netip.AddrPort) {
	defer c.Close()
	logger := log.WithField("client", c.RemoteAddr().String())

	conn, err := stack.Dial(ctx, local, remote)
	if err != nil {
		logger.Errorf("Error connecting to %s: %v", remote, err)
		return
	}
	defer conn.Close()
	logger.Infof("Connected from %s", conn.LocalAddr())

	go func() {
		<-ctx.Done()
		c.Close()
		conn.Close()
	}()

	var g errgroup.Group
	g.Go(func() error {
		_, err := io.Copy(conn, c)
		conn.Shutdown(lib.ShutdownSend)
		return errors.Wrap(err, "upstream")
	})
	g.Go(func() error {
		_, err := io.Copy(c, conn)
		c.CloseWrite()
		return errors.Wrap(err, "downstream")
	})
	if err := g.Wait(); err != nil {
		logger.Warn(err)
		return
	}
	logger.Info("Done")
}

// findLocalIP picks an up, non-loopback IPv4 address in the target's /24,
// or the first such address when none shares the subnet.
func findLocalIP(target netip.Addr) (netip.Addr, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return netip.Addr{}, errors.Wrap(err, "list interfaces")
	}
	subnet := netip.PrefixFrom(target, 24).Masked()
	var fallback netip.Addr
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			ipNet, ok := a.(*net.IPNet)
			if !ok {
				continue
			}
			ip, ok := netip.AddrFromSlice(ipNet.IP.To4())
			if !ok {
				continue
			}
			if subnet.Contains(ip) {
				return ip, nil
			}
			if !fallback.IsValid() {
				fallback = ip
			}
		}
	}
	if fallback.IsValid() {
		return fallback, nil
	}
	return netip.Addr{}, errors.Errorf("no suitable local IP found for target %s", target)
}
