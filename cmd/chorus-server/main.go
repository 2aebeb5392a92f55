// ABOUTME: Chorus server binary
// ABOUTME: Streams timestamped PCM to connected clients over framed TCP
package main

import (
	"flag"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/chorus-audio/chorus-go/internal/control"
	"github.com/chorus-audio/chorus-go/internal/discovery"
	"github.com/chorus-audio/chorus-go/internal/server"
	"github.com/chorus-audio/chorus-go/pkg/audio"
)

func main() {
	addr := flag.String("addr", ":1705", "stream listen address")
	controlAddr := flag.String("control", ":1780", "control endpoint address")
	name := flag.String("name", "chorus", "server name")
	bufferMs := flag.Int64("buffer", 1000, "client playout window in ms")
	toneFreq := flag.Float64("tone", 440, "test tone frequency in Hz")
	noMDNS := flag.Bool("no-mdns", false, "disable mDNS advertisement")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	if *debug {
		logrus.SetLevel(logrus.DebugLevel)
	}
	log := logrus.WithField("component", "main")

	sv := server.NewStreamServer(server.Config{
		Addr:     *addr,
		Name:     *name,
		BufferMs: *bufferMs,
	})
	if err := sv.Start(); err != nil {
		log.WithError(err).Fatal("Failed to start stream server")
	}

	source := server.NewToneSource(audio.DefaultFormat, *toneFreq)
	sv.SetStream(source)
	go source.Run(sv.PushChunk)

	ctrl := control.NewServer(control.Config{Addr: *controlAddr, Name: *name}, sv)
	if err := ctrl.Start(); err != nil {
		log.WithError(err).Fatal("Failed to start control endpoint")
	}

	var disc *discovery.Manager
	if !*noMDNS {
		if port, err := listenPort(sv.Addr()); err == nil {
			disc = discovery.NewManager(discovery.Config{ServiceName: *name, Port: port})
			if err := disc.Advertise(); err != nil {
				log.WithError(err).Warn("mDNS advertisement failed")
			}
		}
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	log.Info("Shutting down")
	if disc != nil {
		disc.Stop()
	}
	ctrl.Stop()
	source.Stop()
	sv.Stop()
}

func listenPort(addr net.Addr) (int, error) {
	_, port, err := net.SplitHostPort(addr.String())
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(port)
}
