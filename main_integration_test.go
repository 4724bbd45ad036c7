package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"image"
	"image/png"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/example/emotune/internal/auth"
	"github.com/example/emotune/internal/classifier"
	"github.com/example/emotune/internal/config"
	"github.com/example/emotune/internal/emotion"
	"github.com/example/emotune/internal/events"
	"github.com/example/emotune/internal/handlers"
	"github.com/example/emotune/internal/imageprocessor"
	"github.com/example/emotune/internal/middleware"
	"github.com/example/emotune/internal/repository"
	"github.com/example/emotune/internal/usecase"
)

// slowClassifier holds each Classify call until release is closed.
type slowClassifier struct {
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func (s *slowClassifier) Classify(ctx context.Context, _ *imageprocessor.Tensor) ([]float32, error) {
	s.once.Do(func() { close(s.started) })
	select {
	case <-s.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return []float32{0, 0, 0, 1, 0, 0, 0}, nil
}
func (s *slowClassifier) Labels() []emotion.Label { return emotion.CanonicalOrder }
func (s *slowClassifier) Version() string         { return "test-v1" }
func (s *slowClassifier) Ready() bool             { return true }

func newTestRouter(t *testing.T, c classifier.Classifier, logger *zap.Logger) http.Handler {
	t.Helper()
	ctx := context.Background()
	db := initDatabase(ctx, config.DatabaseConfig{Driver: "sqlite", DSN: filepath.Join(t.TempDir(), "emotune.db")}, logger)
	tokens, err := auth.NewTokenIssuer("test-secret", "", time.Hour)
	if err != nil {
		t.Fatalf("failed to create token issuer: %v", err)
	}

	cache := usecase.NoopCache{}
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(gin.Recovery(), middleware.Logger(logger))
	handlers.RegisterRoutes(r, handlers.Dependencies{
		Emotion:         usecase.NewEmotionUseCase(c, repository.NewPredictionRepository(db, logger), cache, time.Minute, logger),
		Recommendations: usecase.NewRecommendationUseCase(nil, cache, time.Minute, logger),
		Accounts:        usecase.NewAccountUseCase(repository.NewUserRepository(db, logger), tokens, logger),
		Tokens:          tokens,
		Logger:          logger,
		MaxUploadSize:   handlers.MaxUploadSize,
		Version:         "test",
	})
	return r
}

func encodedFace(t *testing.T) string {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, 64, 64))
	for i := range img.Pix {
		img.Pix[i] = uint8(i)
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("failed to encode png: %v", err)
	}
	raw, _ := json.Marshal(map[string]string{"image": base64.StdEncoding.EncodeToString(buf.Bytes())})
	return string(raw)
}

func TestServerGracefulShutdown(t *testing.T) {
	logger := zap.NewNop()

	model := &slowClassifier{started: make(chan struct{}), release: make(chan struct{})}
	var releaseOnce sync.Once
	release := func() { releaseOnce.Do(func() { close(model.release) }) }
	defer release()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to create listener: %v", err)
	}
	server := &http.Server{Handler: newTestRouter(t, model, logger)}

	signalCh := make(chan os.Signal, 1)
	done := make(chan error, 1)
	go func() {
		done <- serveHTTPServerWithOptions(server, 2*time.Second, logger, listener, signalCh)
	}()

	addr := listener.Addr().String()
	waitForServer(t, addr)

	body := encodedFace(t)
	client := &http.Client{Timeout: 2 * time.Second}
	respCh := make(chan *http.Response, 1)
	errCh := make(chan error, 1)
	go func() {
		resp, err := client.Post("http://"+addr+"/detect-emotion", "application/json", strings.NewReader(body))
		if err != nil {
			errCh <- err
			return
		}
		respCh <- resp
	}()

	select {
	case <-model.started:
	case <-time.After(2 * time.Second):
		t.Fatal("request did not reach the classifier in time")
	}

	signalCh <- syscall.SIGTERM

	time.Sleep(50 * time.Millisecond)
	release()

	select {
	case resp := <-respCh:
		t.Cleanup(func() { resp.Body.Close() })
		respBody, _ := io.ReadAll(resp.Body)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("unexpected status: %d body: %s", resp.StatusCode, string(respBody))
		}
		if !strings.Contains(string(respBody), `"Happy"`) {
			t.Fatalf("expected the in-flight prediction, got %s", string(respBody))
		}
	case err := <-errCh:
		t.Fatalf("request failed: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("request did not complete")
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("server did not shutdown cleanly: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server did not exit after shutdown")
	}
}

func waitForServer(t *testing.T, addr string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("tcp", addr, 50*time.Millisecond)
		if err == nil {
			conn.Close()
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("server %s did not become ready", addr)
}

func TestInitCacheFallsBackWhenRedisDown(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	cache, closeCache := initCache(ctx, config.RedisConfig{Addr: "127.0.0.1:1"}, zap.NewNop())
	defer closeCache()
	if _, ok := cache.(usecase.NoopCache); !ok {
		t.Fatalf("expected NoopCache, got %T", cache)
	}
}

func TestInitCatalogWithoutCredentialsIsNil(t *testing.T) {
	if catalog := initCatalog(config.SpotifyConfig{}, zap.NewNop()); catalog != nil {
		t.Fatalf("expected nil catalog, got %T", catalog)
	}
}

func TestInitPublisherDisabledWithoutBroker(t *testing.T) {
	if _, ok := initPublisher(config.MQTTConfig{}, zap.NewNop()).(events.Noop); !ok {
		t.Fatal("expected Noop publisher without broker")
	}
}
