// Command mockbackend serves the in-memory game backend on its own port, so
// the relay can be pointed at it with BACKEND_URL during local development.
package main

import (
	"context"
	"flag"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/mauricedolibois/connectfour/server/config"
	"github.com/mauricedolibois/connectfour/server/mocks"
)

func main() {
	// Load .env from parent directory
	config.LoadDotEnv("../../.env", ".env")

	addr := flag.String("addr", ":9090", "listen address")
	cookie := flag.String("cookie", "session", "session cookie name")
	delay := flag.Duration("delay", 0, "minimum latency added to every mutating request")
	flag.Parse()

	logger, err := zap.NewDevelopment()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	backend := mocks.NewMockBackend(*cookie)
	backend.SetDelay(*delay)

	server := &http.Server{Addr: *addr, Handler: logRequests(logger, backend), ReadHeaderTimeout: 10 * time.Second}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("mock backend listening", zap.String("addr", *addr), zap.Duration("delay", *delay))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	server.Shutdown(shutdownCtx)
}

func logRequests(logger *zap.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		next.ServeHTTP(w, r)
		logger.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("query", r.URL.RawQuery),
			zap.Duration("took", time.Since(started)))
	})
}
