// Command testservice is a minimal service used by the package tests. It
// prints a banner line, optionally starts listening on a TCP port, and
// exits cleanly on SIGTERM.
package main

import (
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"
)

func main() {
	port := flag.Int("port", 0, "TCP port to listen on after printing the banner")
	banner := flag.String("banner", "listening", "line to print on startup")
	delay := flag.Duration("delay", 0, "wait before printing the banner")
	exitAfter := flag.Duration("exit-after", 0, "exit with an error after this long")
	longline := flag.Int("longline", 0, "print a filler line of this many bytes before the banner")
	flag.Parse()

	if *delay > 0 {
		time.Sleep(*delay)
	}
	if *longline > 0 {
		fmt.Println(strings.Repeat("a", *longline))
	}
	fmt.Println(*banner)

	if *port != 0 {
		ln, err := net.Listen("tcp", fmt.Sprintf("localhost:%d", *port))
		if err != nil {
			fmt.Fprintln(os.Stderr, "listen:", err)
			os.Exit(1)
		}
		defer ln.Close()
		go func() {
			for {
				conn, err := ln.Accept()
				if err != nil {
					return
				}
				_ = conn.Close()
			}
		}()
	}

	if *exitAfter > 0 {
		time.Sleep(*exitAfter)
		os.Exit(1)
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit
}
