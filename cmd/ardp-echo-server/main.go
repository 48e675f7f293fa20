// ardp-echo-server accepts connections and echoes every message it
// receives, driving the ardp.Handle event loop the way the core expects: a
// single goroutine calling Run whenever the socket is readable or a timer
// elapses.
package main

import (
	"flag"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ekanshkaushik/core-alljoyn/ardp"
	"github.com/ekanshkaushik/core-alljoyn/config"
	"github.com/ekanshkaushik/core-alljoyn/udpsock"
)

var (
	listenAddr string
	localPort  uint
	configPath string
)

func init() {
	flag.StringVar(&listenAddr, "listenaddr", "127.0.0.1:9090", "UDP address to listen on")
	flag.UintVar(&localPort, "ardp-port", 1, "port value udpsock reports for received datagrams (ARDP ports are allocated by the engine)")
	flag.StringVar(&configPath, "config", "", "optional path to a YAML config file")
}

func main() {
	flag.Parse()
	log := logrus.WithField("cmd", "ardp-echo-server")

	cfg := config.Default()
	if configPath != "" {
		loaded, err := config.LoadConfig(configPath)
		if err != nil {
			log.WithError(err).Fatal("loading config")
		}
		cfg = loaded
	}

	sock, err := udpsock.Listen(listenAddr, uint16(localPort), 256)
	if err != nil {
		log.WithError(err).Fatal("listen")
	}
	defer sock.Close()

	h := ardp.AllocHandle(cfg, sock, nil)
	h.StartPassive()

	h.SetAcceptCb(func(hnd *ardp.Handle, addr net.Addr, peerPort uint16, conn *ardp.Connection, data []byte, status ardp.Status) bool {
		log.WithField("peer", addr.String()).Info("accepting connection")
		if err := hnd.Accept(conn, nil, nil); err != nil {
			log.WithError(err).Warn("accept failed")
			return false
		}
		return true
	})
	h.SetConnectCb(func(hnd *ardp.Handle, conn *ardp.Connection, passive bool, data []byte, status ardp.Status) {
		log.WithField("passive", passive).Info("connection open")
	})
	h.SetRecvCb(func(hnd *ardp.Handle, conn *ardp.Connection, rb *ardp.RecvBuffer, status ardp.Status) bool {
		log.WithField("len", len(rb.Data)).Info("echoing")
		echo := append([]byte(nil), rb.Data...)
		if err := hnd.RecvReady(conn, rb.Seq); err != nil {
			log.WithError(err).Warn("recv ready failed")
		}
		_ = hnd.Send(conn, echo, 0, nil)
		return true
	})
	h.SetDisconnectCb(func(hnd *ardp.Handle, conn *ardp.Connection, status ardp.Status) {
		log.WithField("status", status).Info("connection closed")
	})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	for {
		select {
		case <-sigCh:
			h.FreeHandle()
			return
		default:
		}
		next := h.Run(true)
		if next < 0 {
			next = 100
		}
		time.Sleep(time.Duration(next) * time.Millisecond)
	}
}
