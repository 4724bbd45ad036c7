package handlers

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/example/emotune/internal/auth"
	"github.com/example/emotune/internal/classifier"
	"github.com/example/emotune/internal/emotion"
	"github.com/example/emotune/internal/imageprocessor"
	"github.com/example/emotune/internal/music"
	"github.com/example/emotune/internal/repository"
	"github.com/example/emotune/internal/usecase"
)

const testJWTSecret = "test-secret"

type stubClassifier struct {
	probs []float32
}

func (s stubClassifier) Classify(context.Context, *imageprocessor.Tensor) ([]float32, error) {
	return s.probs, nil
}
func (stubClassifier) Labels() []emotion.Label { return emotion.CanonicalOrder }
func (stubClassifier) Version() string         { return "test-v1" }
func (stubClassifier) Ready() bool             { return true }

type memoryPredictions struct {
	mu   sync.Mutex
	logs []*repository.PredictionLog
}

func (m *memoryPredictions) SaveLog(_ context.Context, log *repository.PredictionLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logs = append(m.logs, log)
	return nil
}

func (m *memoryPredictions) FindByRequestID(_ context.Context, requestID string) (*repository.PredictionLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, log := range m.logs {
		if log.RequestID == requestID {
			return log, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (m *memoryPredictions) ListByUser(_ context.Context, userID string, limit int) ([]*repository.PredictionLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*repository.PredictionLog
	for _, log := range m.logs {
		if log.UserID == userID && len(out) < limit {
			out = append(out, log)
		}
	}
	return out, nil
}

func (m *memoryPredictions) CountByEmotion(context.Context) ([]repository.EmotionCount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := map[string]int64{}
	for _, log := range m.logs {
		counts[log.Emotion]++
	}
	var out []repository.EmotionCount
	for name, n := range counts {
		out = append(out, repository.EmotionCount{Emotion: name, Count: n})
	}
	return out, nil
}

type memoryUsers struct {
	mu    sync.Mutex
	users map[string]*repository.User
}

func (m *memoryUsers) Create(_ context.Context, user *repository.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[user.Username]; ok {
		return repository.ErrDuplicateUsername
	}
	m.users[user.Username] = user
	return nil
}

func (m *memoryUsers) FindByUsername(_ context.Context, username string) (*repository.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.users[username]; ok {
		return u, nil
	}
	return nil, repository.ErrNotFound
}

type stubCatalog struct {
	query  string
	market string
}

func (s *stubCatalog) SearchTracks(_ context.Context, query, market string, _ int) ([]music.Track, error) {
	s.query, s.market = query, market
	return []music.Track{{Name: "Song", Artist: "Artist", SpotifyURL: "https://open.spotify.com/track/1"}}, nil
}

type testServer struct {
	router      *gin.Engine
	tokens      *auth.TokenIssuer
	predictions *memoryPredictions
	catalog     *stubCatalog
}

func newTestServer(t *testing.T, c classifier.Classifier, catalog music.Catalog) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	logger := zap.NewNop()
	tokens, err := auth.NewTokenIssuer(testJWTSecret, "", time.Hour)
	if err != nil {
		t.Fatalf("token issuer: %v", err)
	}
	predictions := &memoryPredictions{}

	router := gin.New()
	router.MaxMultipartMemory = MaxUploadSize
	RegisterRoutes(router, Dependencies{
		Emotion:         usecase.NewEmotionUseCase(c, predictions, usecase.NoopCache{}, time.Minute, logger),
		Recommendations: usecase.NewRecommendationUseCase(catalog, usecase.NoopCache{}, time.Minute, logger),
		Accounts:        usecase.NewAccountUseCase(&memoryUsers{users: map[string]*repository.User{}}, tokens, logger),
		Tokens:          tokens,
		Logger:          logger,
	})

	srv := &testServer{router: router, tokens: tokens, predictions: predictions}
	if sc, ok := catalog.(*stubCatalog); ok {
		srv.catalog = sc
	}
	return srv
}

func (s *testServer) do(req *http.Request) *httptest.ResponseRecorder {
	resp := httptest.NewRecorder()
	s.router.ServeHTTP(resp, req)
	return resp
}

func happyClassifier() stubClassifier {
	return stubClassifier{probs: []float32{0.05, 0.05, 0.05, 0.7, 0.05, 0.05, 0.05}}
}

func TestDetectEmotionRejectsLargeUpload(t *testing.T) {
	srv := newTestServer(t, happyClassifier(), nil)

	body, contentType := buildMultipartBody(t, "image/png", bytes.Repeat([]byte("a"), MaxUploadSize+1))
	req := httptest.NewRequest(http.MethodPost, "/detect-emotion", body)
	req.Header.Set("Content-Type", contentType)

	resp := srv.do(req)
	if resp.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected status %d, got %d", http.StatusRequestEntityTooLarge, resp.Code)
	}
}

func TestDetectEmotionRejectsUnsupportedContentType(t *testing.T) {
	srv := newTestServer(t, happyClassifier(), nil)

	body, contentType := buildMultipartBody(t, "text/plain", []byte("hello"))
	req := httptest.NewRequest(http.MethodPost, "/detect-emotion", body)
	req.Header.Set("Content-Type", contentType)

	resp := srv.do(req)
	if resp.Code != http.StatusUnsupportedMediaType {
		t.Fatalf("expected status %d, got %d", http.StatusUnsupportedMediaType, resp.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/detect-emotion", strings.NewReader("raw"))
	req.Header.Set("Content-Type", "text/plain")
	if resp := srv.do(req); resp.Code != http.StatusUnsupportedMediaType {
		t.Fatalf("expected status %d for raw body, got %d", http.StatusUnsupportedMediaType, resp.Code)
	}
}

func TestDetectEmotionMultipartReturnsPrediction(t *testing.T) {
	srv := newTestServer(t, happyClassifier(), nil)

	body, contentType := buildMultipartBody(t, "image/png", buildPNG(t))
	req := httptest.NewRequest(http.MethodPost, "/detect-emotion", body)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Authorization", "Bearer "+buildTestToken(t, srv.tokens, "alice"))

	resp := srv.do(req)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", resp.Code, resp.Body.String())
	}

	var payload struct {
		RequestID     string             `json:"request_id"`
		Emotion       string             `json:"emotion"`
		Confidence    float32            `json:"confidence"`
		Probabilities map[string]float32 `json:"probabilities"`
		ModelVersion  string             `json:"model_version"`
	}
	if err := json.Unmarshal(resp.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if payload.Emotion != "Happy" || payload.Confidence != 0.7 {
		t.Fatalf("unexpected prediction: %+v", payload)
	}
	if len(payload.Probabilities) != 7 || payload.ModelVersion != "test-v1" || payload.RequestID == "" {
		t.Fatalf("unexpected payload: %+v", payload)
	}
	if len(srv.predictions.logs) != 1 || srv.predictions.logs[0].UserID != "alice" {
		t.Fatalf("expected one log owned by alice, got %+v", srv.predictions.logs)
	}

	resp = srv.do(httptest.NewRequest(http.MethodGet, "/result/"+payload.RequestID, nil))
	if resp.Code != http.StatusOK {
		t.Fatalf("expected stored result, got %d", resp.Code)
	}
}

func TestDetectEmotionAcceptsBase64JSON(t *testing.T) {
	srv := newTestServer(t, happyClassifier(), nil)

	dataURL := "data:image/png;base64," + base64.StdEncoding.EncodeToString(buildPNG(t))
	raw, _ := json.Marshal(map[string]string{"image": dataURL})
	req := httptest.NewRequest(http.MethodPost, "/detect-emotion", bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")

	resp := srv.do(req)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", resp.Code, resp.Body.String())
	}
	if srv.predictions.logs[0].Source != "base64" {
		t.Fatalf("expected base64 source, got %q", srv.predictions.logs[0].Source)
	}
}

func TestDetectEmotionUndecodableImage(t *testing.T) {
	srv := newTestServer(t, happyClassifier(), nil)

	body, contentType := buildMultipartBody(t, "image/png", []byte("definitely not a png"))
	req := httptest.NewRequest(http.MethodPost, "/detect-emotion", body)
	req.Header.Set("Content-Type", contentType)

	resp := srv.do(req)
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", resp.Code)
	}
	assertKind(t, resp, "decode_error")
	if len(srv.predictions.logs) != 0 {
		t.Fatalf("nothing should be persisted for a bad image")
	}
}

func TestDetectEmotionModelUnavailable(t *testing.T) {
	srv := newTestServer(t, &classifier.Unavailable{Reason: errors.New("missing artifact")}, nil)

	body, contentType := buildMultipartBody(t, "image/png", buildPNG(t))
	req := httptest.NewRequest(http.MethodPost, "/detect-emotion", body)
	req.Header.Set("Content-Type", contentType)

	resp := srv.do(req)
	if resp.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status 503, got %d", resp.Code)
	}
	assertKind(t, resp, "model_unavailable")
}

func TestDetectEmotionRejectsInvalidToken(t *testing.T) {
	srv := newTestServer(t, happyClassifier(), nil)

	body, contentType := buildMultipartBody(t, "image/png", buildPNG(t))
	req := httptest.NewRequest(http.MethodPost, "/detect-emotion", body)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Authorization", "Bearer not-a-jwt")

	if resp := srv.do(req); resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected status 401, got %d", resp.Code)
	}
}

func TestHealthReportsDegradedModel(t *testing.T) {
	srv := newTestServer(t, &classifier.Unavailable{Reason: errors.New("missing")}, nil)

	resp := srv.do(httptest.NewRequest(http.MethodGet, "/health", nil))
	if resp.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.Code)
	}
	var payload map[string]string
	if err := json.Unmarshal(resp.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload["status"] != "ok" || payload["model"] != "unavailable" || payload["catalog"] != "unavailable" {
		t.Fatalf("unexpected health payload: %v", payload)
	}
}

func TestRecommendationsUseDefaultGenreForUnknownEmotion(t *testing.T) {
	catalog := &stubCatalog{}
	srv := newTestServer(t, happyClassifier(), catalog)

	resp := srv.do(httptest.NewRequest(http.MethodGet, "/recommendations/bored/hi", nil))
	if resp.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", resp.Code, resp.Body.String())
	}
	var payload struct {
		Genre  string        `json:"genre"`
		Market string        `json:"market"`
		Tracks []music.Track `json:"tracks"`
	}
	if err := json.Unmarshal(resp.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload.Genre != music.DefaultGenre || payload.Market != "IN" || len(payload.Tracks) != 1 {
		t.Fatalf("unexpected recommendation: %+v", payload)
	}
	if !strings.Contains(catalog.query, "genre:"+music.DefaultGenre) {
		t.Fatalf("unexpected catalog query %q", catalog.query)
	}
}

func TestRecommendationsWithoutCatalog(t *testing.T) {
	srv := newTestServer(t, happyClassifier(), nil)

	resp := srv.do(httptest.NewRequest(http.MethodGet, "/recommendations/happy/en", nil))
	if resp.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status 503, got %d", resp.Code)
	}
	assertKind(t, resp, "catalog_unavailable")
}

func TestRegisterLoginAndHistory(t *testing.T) {
	srv := newTestServer(t, happyClassifier(), nil)

	register := func() int {
		req := httptest.NewRequest(http.MethodPost, "/register", strings.NewReader(`{"username":"bob","password":"pw"}`))
		req.Header.Set("Content-Type", "application/json")
		return srv.do(req).Code
	}
	if code := register(); code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", code)
	}
	if code := register(); code != http.StatusConflict {
		t.Fatalf("expected 409 on duplicate, got %d", code)
	}

	req := httptest.NewRequest(http.MethodPost, "/login", strings.NewReader(`{"username":"bob","password":"wrong"}`))
	req.Header.Set("Content-Type", "application/json")
	if resp := srv.do(req); resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for wrong password, got %d", resp.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/login", strings.NewReader(`{"username":"bob","password":"pw"}`))
	req.Header.Set("Content-Type", "application/json")
	resp := srv.do(req)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	var session struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(resp.Body.Bytes(), &session); err != nil || session.Token == "" {
		t.Fatalf("expected token, got %s", resp.Body.String())
	}

	if resp := srv.do(httptest.NewRequest(http.MethodGet, "/history", nil)); resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", resp.Code)
	}
	req = httptest.NewRequest(http.MethodGet, "/history", nil)
	req.Header.Set("Authorization", "Bearer "+session.Token)
	if resp := srv.do(req); resp.Code != http.StatusOK {
		t.Fatalf("expected 200 with token, got %d", resp.Code)
	}
}

func TestRegisterRequiresCredentials(t *testing.T) {
	srv := newTestServer(t, happyClassifier(), nil)

	req := httptest.NewRequest(http.MethodPost, "/register", strings.NewReader(`{"username":"bob"}`))
	req.Header.Set("Content-Type", "application/json")
	resp := srv.do(req)
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.Code)
	}
	assertKind(t, resp, "invalid_request")
}

func TestResultNotFound(t *testing.T) {
	srv := newTestServer(t, happyClassifier(), nil)

	resp := srv.do(httptest.NewRequest(http.MethodGet, "/result/unknown", nil))
	if resp.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.Code)
	}
}

func assertKind(t *testing.T, resp *httptest.ResponseRecorder, want string) {
	t.Helper()
	var payload map[string]string
	if err := json.Unmarshal(resp.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if payload["kind"] != want {
		t.Fatalf("expected kind %q, got %q (%s)", want, payload["kind"], resp.Body.String())
	}
}

func buildPNG(t *testing.T) []byte {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, 64, 64))
	for y := 0; y < 64; y++ {
		for x := 0; x < 64; x++ {
			img.SetGray(x, y, color.Gray{Y: uint8((x + y) * 2)})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

func buildMultipartBody(t *testing.T, contentType string, payload []byte) (*bytes.Buffer, string) {
	t.Helper()

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", `form-data; name="image"; filename="upload"`)
	header.Set("Content-Type", contentType)

	part, err := writer.CreatePart(header)
	if err != nil {
		t.Fatalf("failed to create multipart part: %v", err)
	}
	if _, err := part.Write(payload); err != nil {
		t.Fatalf("failed to write payload: %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("failed to close writer: %v", err)
	}

	return body, writer.FormDataContentType()
}

func buildTestToken(t *testing.T, tokens *auth.TokenIssuer, subject string) string {
	t.Helper()

	token, _, err := tokens.Issue(subject)
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}
	return token
}
