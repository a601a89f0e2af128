// Command fakellama is a stand-in llama-server used by spawn tests. A model
// path containing "crash" makes it exit with status 1 before listening.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"
)

func main() {
	var model, host, port string
	var nCtx int
	flag.StringVar(&model, "m", "", "model path")
	flag.StringVar(&host, "host", "127.0.0.1", "host")
	flag.StringVar(&port, "port", "0", "port")
	flag.IntVar(&nCtx, "c", 512, "context size")
	flag.Int("np", 1, "parallel slots")
	flag.Int("t", 0, "threads")
	flag.Int("ngl", 0, "gpu layers")
	flag.Parse()

	if strings.Contains(model, "crash") {
		fmt.Fprintln(os.Stderr, "error: failed to load model")
		os.Exit(1)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/models", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"data":[{"id":"test","meta":{"n_vocab":259}}]}`))
	})
	mux.HandleFunc("/props", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"default_generation_settings": map[string]any{"n_ctx": nCtx},
			"total_slots":                 1,
		})
	})
	mux.HandleFunc("/tokenize", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Content    string `json:"content"`
			AddSpecial bool   `json:"add_special"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		ids := []int{}
		if req.AddSpecial {
			ids = append(ids, 1)
		}
		for i := 0; i < len(req.Content); i++ {
			ids = append(ids, 3+int(req.Content[i]))
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"tokens": ids})
	})

	srv := &http.Server{Addr: host + ":" + port, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	<-sigCh
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
}
