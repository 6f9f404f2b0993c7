// fakeapp stands in for the application runtime when trying the loader by
// hand:
//
//	meteor-loader -command "go run ./utilities/fakeapp"
//
// It serves a one-line HTTP response on -p and logs its PID periodically
// until interrupted.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
)

func main() {
	port := flag.Int("p", 3000, "Port to listen on")
	interval := flag.Duration("interval", 5*time.Second, "How often to log the PID")
	flag.Parse()
	mode := "development"
	if flag.Arg(0) == "production" {
		mode = "production"
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	pid := os.Getpid()
	srv := &http.Server{
		Addr: fmt.Sprintf("127.0.0.1:%d", *port),
		Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprintf(w, "fakeapp pid=%d mode=%s\n", pid, mode)
		}),
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()
	log.Printf("Started with PID %d on port %d (%s)", pid, *port, mode)

	ticker := time.NewTicker(*interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			log.Printf("PID: %d, Timestamp: %s", pid, time.Now().Format("2006-01-02 15:04:05"))
		case sig := <-stop:
			log.Printf("Stopping on %s", sig)
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = srv.Shutdown(ctx)
			return
		}
	}
}
