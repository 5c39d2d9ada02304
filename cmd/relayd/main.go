// relayd serves files from a document root and proxies routed domains to backends
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/s00inx/relayd/server"
	"github.com/s00inx/relayd/server/config"
)

func main() {
	conf := config.Default()

	flag.StringVar(&conf.Addr, "addr", conf.Addr, "ipv4 address to listen on")
	flag.IntVar(&conf.Port, "port", conf.Port, "port to listen on")
	flag.StringVar(&conf.DocRoot, "root", conf.DocRoot, "document root")
	flag.StringVar(&conf.TrigMode, "mode", conf.TrigMode, "epoll trigger mode: lt or et")
	flag.IntVar(&conf.Workers, "workers", conf.Workers, "engine workers")
	flag.IntVar(&conf.ProxyWorkers, "proxy-workers", conf.ProxyWorkers, "workers for backend lookup, connect and relay")
	flag.DurationVar(&conf.DialTimeout, "dial-timeout", conf.DialTimeout, "backend lookup and connect timeout")
	flag.DurationVar(&conf.RelayTimeout, "relay-timeout", conf.RelayTimeout, "backend exchange timeout")
	flag.IntVar(&conf.MaxRelaySize, "max-relay", conf.MaxRelaySize, "max backend response size in bytes")
	flag.BoolVar(&conf.Verbose, "v", false, "log every request")
	routesFile := flag.String("routes", "", "routes file, one domain=host[:port] per line")
	flag.Func("route", "proxy route domain=host[:port], repeatable", func(s string) error {
		r, err := config.ParseRoute(s)
		if err != nil {
			return err
		}
		conf.Routes = append(conf.Routes, r)
		return nil
	})
	flag.Parse()

	logger := log.New(os.Stderr, "relayd: ", log.LstdFlags)
	conf.Logger = logger

	if *routesFile != "" {
		routes, err := config.LoadRoutes(*routesFile)
		if err != nil {
			logger.Fatalf("routes: %v", err)
		}
		conf.Routes = append(conf.Routes, routes...)
	}

	srv, err := server.New(conf)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		flag.Usage()
		os.Exit(2)
	}
	if err := srv.Listen(); err != nil {
		logger.Fatalf("listen: %v", err)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		s := <-sig
		logger.Printf("%v: shutting down", s)
		srv.Stop()
	}()

	if err := srv.Serve(); err != nil {
		logger.Fatalf("serve: %v", err)
	}
	srv.Stop() // waits for the signal goroutine's stop to finish
	logger.Printf("stopped")
}
