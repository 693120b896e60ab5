package main

import (
	"context"
	"flag"
	"fmt"
	"net/netip"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Clouded-Sabre/streamtcp/config"
	"github.com/Clouded-Sabre/streamtcp/lib"
	"github.com/Clouded-Sabre/streamtcp/lib/ipnet"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

func main() {
	sourceIP := flag.String("sourceIP", config.ClientIP, "Source IP address")
	serverIP := flag.String("serverIP", config.ServerIP, "Server IP address")
	serverPort := flag.Int("serverPort", config.ServerPort, "Server port")
	packetInterval := flag.Duration("interval", 500*time.Millisecond, "Interval between messages")
	configPath := flag.String("config", "", "yaml configuration file")
	mtu := flag.Int("mtu", 1500, "path MTU")
	filterRST := flag.Bool("filterRST", true, "drop the host kernel's resets to the server when running over protocol 6")
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

	src, err := netip.ParseAddr(*sourceIP)
	if err != nil {
		log.Fatalln("Bad source IP:", err)
	}
	dst, err := netip.ParseAddr(*serverIP)
	if err != nil {
		log.Fatalln("Bad server IP:", err)
	}

	network := ipnet.NewRawIP(int(cfg.Core.ProtocolID), *mtu, log.StandardLogger())
	defer network.Close()

	stack, err := lib.NewStack(cfg, network, log.StandardLogger())
	if err != nil {
		log.Fatalln(err)
	}
	defer stack.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	remote := netip.AddrPortFrom(dst, uint16(*serverPort))
	if *filterRST && cfg.Core.ProtocolID == 6 {
		rst := ipnet.NewRSTFilter(log.StandardLogger())
		if err := rst.Add(remote, false); err != nil {
			log.Warnln("RST filter:", err)
		}
		defer rst.Remove(remote, false)
	}

	redialCfg := lib.DefaultRedialConfig()
	redialCfg.OnReconnect = func(c *lib.Connection) {
		log.Infof("[RECONNECT] reconnected from %s", c.LocalAddr())
	}
	redialCfg.OnFinalFailure = func(err error) {
		log.Errorf("[RECONNECT] %v", err)
	}
	redialer := lib.NewRedialer(stack, netip.AddrPortFrom(src, 0), remote, redialCfg)
	defer redialer.Close()

	conn, err := redialer.Conn(ctx)
	if err != nil {
		log.Fatalln("Error connecting:", err)
	}
	log.Infof("Echo client connected to %s", conn.RemoteAddr())

	ticker := time.NewTicker(*packetInterval)
	defer ticker.Stop()

	buffer := make([]byte, cfg.Core.PreferredMSS)
	sent, echoed := 0, 0
	for {
		select {
		case <-ctx.Done():
			log.Infof("Sent %d messages, %d echoed", sent, echoed)
			return
		case <-ticker.C:
		}

		message := []byte(fmt.Sprintf("Echo message %d", sent+1))
		if _, err := conn.Write(message); err != nil {
			if conn, err = redialer.HandleError(ctx, err); err != nil {
				log.Errorln("Write error:", err)
				return
			}
			continue
		}
		sent++

		conn.SetReadDeadline(time.Now().Add(*packetInterval))
		n, err := conn.Read(buffer)
		if err != nil {
			var ne interface{ Timeout() bool }
			if errors.As(err, &ne) && ne.Timeout() {
				log.Debugf("[%d] no echo yet", sent)
				continue
			}
			if conn, err = redialer.HandleError(ctx, err); err != nil {
				log.Errorln("Read error:", err)
				return
			}
			continue
		}
		echoed++
		log.Infof("[%d] echo: %s", sent, buffer[:n])
	}
}
