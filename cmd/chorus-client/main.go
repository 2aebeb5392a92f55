// ABOUTME: Chorus client binary
// ABOUTME: Connects to a server and plays the synchronized stream
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/chorus-audio/chorus-go/internal/client"
	"github.com/chorus-audio/chorus-go/internal/discovery"
	"github.com/chorus-audio/chorus-go/internal/player"
	"github.com/chorus-audio/chorus-go/pkg/protocol"
)

func main() {
	serverAddr := flag.String("server", "", "server host:port (empty: discover via mDNS)")
	name := flag.String("name", "chorus-client", "player name")
	output := flag.String("output", "oto", "audio backend: oto or null")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	if *debug {
		logrus.SetLevel(logrus.DebugLevel)
	}
	log := logrus.WithField("component", "main")

	addr := *serverAddr
	if addr == "" {
		found, err := discoverServer(5 * time.Second)
		if err != nil {
			log.WithError(err).Fatal("No server found")
		}
		addr = found
	}

	codecReady := make(chan struct{}, 1)
	disconnected := make(chan error, 1)

	conn := client.NewConnection(client.Config{
		ServerAddr: addr,
		ClientName: *name,
		OnCodecHeader: func(*protocol.CodecHeader) {
			select {
			case codecReady <- struct{}{}:
			default:
			}
		},
		OnDisconnect: func(err error) {
			disconnected <- err
		},
	})
	if err := conn.Connect(); err != nil {
		log.WithError(err).Fatal("Connect failed")
	}

	// Wait briefly for the codec header so the device opens with the
	// real stream format rather than the default.
	select {
	case <-codecReady:
	case <-time.After(2 * time.Second):
		log.Warn("No codec header yet, using default format")
	}

	var backend player.Backend
	switch *output {
	case "null":
		backend = player.NewNullBackend()
	default:
		backend = player.NewOtoBackend()
	}

	pl, err := player.New(player.Config{Stream: conn.Stream(), Backend: backend})
	if err != nil {
		log.WithError(err).Fatal("Player setup failed")
	}
	conn.SetSettingsHandler(func(settings protocol.ServerSettings) {
		pl.SetVolume(settings.Volume)
		pl.SetMuted(settings.Muted)
	})
	if err := pl.Start(); err != nil {
		log.WithError(err).Fatal("Player start failed")
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sig:
		log.Info("Shutting down")
	case err := <-disconnected:
		log.WithError(err).Error("Server connection lost")
	}

	pl.Stop()
	conn.Close()
}

func discoverServer(timeout time.Duration) (string, error) {
	disc := discovery.NewManager(discovery.Config{})
	defer disc.Stop()
	disc.Browse()

	select {
	case info := <-disc.Servers():
		return fmt.Sprintf("%s:%d", info.Host, info.Port), nil
	case <-time.After(timeout):
		return "", fmt.Errorf("discovery timed out after %s", timeout)
	}
}
