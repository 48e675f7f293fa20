// ardp-echo-client connects to an ardp-echo-server, sends one message, and
// waits for the echo.
package main

import (
	"flag"
	"net"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ekanshkaushik/core-alljoyn/ardp"
	"github.com/ekanshkaushik/core-alljoyn/config"
	"github.com/ekanshkaushik/core-alljoyn/udpsock"
)

var (
	connectAddr string
	remotePort  uint
	localAddr   string
	localPort   uint
	message     string
	configPath  string
)

func init() {
	flag.StringVar(&connectAddr, "connectaddr", "127.0.0.1:9090", "server UDP address")
	flag.UintVar(&remotePort, "ardp-port", 1, "peer port passed to Connect (udpsock sends by UDP address only)")
	flag.StringVar(&localAddr, "listenaddr", "127.0.0.1:0", "local UDP address")
	flag.UintVar(&localPort, "local-ardp-port", 2, "port value udpsock reports for received datagrams (ARDP ports are allocated by the engine)")
	flag.StringVar(&message, "message", "hello", "message to send")
	flag.StringVar(&configPath, "config", "", "optional path to a YAML config file")
}

func main() {
	flag.Parse()
	log := logrus.WithField("cmd", "ardp-echo-client")

	cfg := config.Default()
	if configPath != "" {
		loaded, err := config.LoadConfig(configPath)
		if err != nil {
			log.WithError(err).Fatal("loading config")
		}
		cfg = loaded
	}

	sock, err := udpsock.Listen(localAddr, uint16(localPort), 256)
	if err != nil {
		log.WithError(err).Fatal("listen")
	}
	defer sock.Close()

	h := ardp.AllocHandle(cfg, sock, nil)

	done := make(chan struct{})
	h.SetConnectCb(func(hnd *ardp.Handle, conn *ardp.Connection, passive bool, data []byte, status ardp.Status) {
		if status != ardp.StatusOK {
			log.WithField("status", status).Error("connect failed")
			close(done)
			return
		}
		log.Info("connected, sending message")
		if err := hnd.Send(conn, []byte(message), 0, nil); err != nil {
			log.WithError(err).Error("send failed")
		}
	})
	h.SetRecvCb(func(hnd *ardp.Handle, conn *ardp.Connection, rb *ardp.RecvBuffer, status ardp.Status) bool {
		log.WithField("reply", string(rb.Data)).Info("got echo")
		if err := hnd.RecvReady(conn, rb.Seq); err != nil {
			log.WithError(err).Warn("recv ready failed")
		}
		close(done)
		return true
	})
	h.SetDisconnectCb(func(hnd *ardp.Handle, conn *ardp.Connection, status ardp.Status) {
		log.WithField("status", status).Info("connection closed")
	})

	peerAddr, err := net.ResolveUDPAddr("udp", connectAddr)
	if err != nil {
		log.WithError(err).Fatal("resolving server address")
	}
	if _, err := h.Connect(peerAddr, uint16(remotePort), nil, nil); err != nil {
		log.WithError(err).Fatal("connect")
	}

	deadline := time.Now().Add(30 * time.Second)
	for {
		select {
		case <-done:
			h.FreeHandle()
			return
		default:
		}
		if time.Now().After(deadline) {
			log.Warn("timed out waiting for echo")
			os.Exit(1)
		}
		next := h.Run(true)
		if next < 0 || next > 50 {
			next = 50
		}
		time.Sleep(time.Duration(next) * time.Millisecond)
	}
}
