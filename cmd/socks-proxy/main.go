package main

import (
	"fmt"
	"os"
	"strconv"

	"socks-proxy/internal/application"
	"socks-proxy/internal/infrastructure/epoll"
	"socks-proxy/pkg/logger"
)

func main() {
	if len(os.Args) != 2 {
		fmt.Println("You must enter the <port> where the proxy will wait for incoming connections from clients")
		os.Exit(1)
	}

	port, err := strconv.Atoi(os.Args[1])
	if err != nil {
		fmt.Printf("Cannot to get the port from %q\n", os.Args[1])
		os.Exit(1)
	}
	if port < 0 || port > 65535 {
		fmt.Printf("The number %d is not within the acceptable range of the port\n", port)
		os.Exit(1)
	}

	log := logger.Setup()
	log.Info("Initializing SOCKS5 proxy...")

	eventLoop, err := epoll.New()
	if err != nil {
		log.Error("failed to create event loop", "error", err)
		os.Exit(1)
	}

	proxy, err := application.NewProxyService(eventLoop, log, port)
	if err != nil {
		log.Error("failed to create proxy service", "error", err)
		os.Exit(1)
	}

	log.Info("proxy listening", "port", port)

	if err := proxy.Start(); err != nil {
		log.Error("proxy stopped unexpectedly", "error", err)
		os.Exit(1)
	}
}
