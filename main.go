package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"iosmirror/config"
	"iosmirror/framebuf"
	"iosmirror/ingest"
	"iosmirror/logger"
	"iosmirror/registry"
	"iosmirror/streamserver"
	"iosmirror/wda"
)

func main() {
	settings, err := config.Load()
	if err != nil {
		panic(err)
	}
	log := logger.BuildLogger(settings.Debug)
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := registry.New()
	buf := framebuf.New(settings.BufferCapacity)

	var bridge *wda.Bridge
	if settings.EnableControl {
		client := wda.NewClient(settings.WDAHost, settings.WDAPort, log)
		bridge = wda.NewBridge(client, reg, log)
		bridge.Start(ctx)
		log.Infof("device control enabled (wda: %s:%d)", settings.WDAHost, settings.WDAPort)
	} else {
		log.Infof("device control disabled")
	}

	ingestServer := ingest.NewServer(log, buf, reg, settings.HeartbeatTimeout)
	manager := streamserver.NewManager(log, buf, reg, settings.STUNServer)
	httpServer := streamserver.NewHTTPServer(log, manager, buf, reg, bridge, ingestServer.FrameCount)

	errCh := make(chan error, 2)
	go func() { errCh <- ingestServer.Run(ctx, settings.IngestAddr) }()
	go func() { errCh <- httpServer.Run(ctx, settings.HTTPAddr, settings.Debug) }()

	log.Infof("waiting for capture source on ws://%s, viewers on http://%s",
		settings.IngestAddr, settings.HTTPAddr)

	select {
	case <-ctx.Done():
		log.Infof("shutting down")
	case err := <-errCh:
		if err != nil {
			log.Errorf("server error: %v", err)
		}
		stop()
	}

	manager.CloseAll()
	ingestServer.CloseActive()
}
