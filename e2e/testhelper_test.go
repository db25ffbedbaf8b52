package e2e

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/makeasinger/videogen/internal/auth"
	"github.com/makeasinger/videogen/internal/client"
	"github.com/makeasinger/videogen/internal/config"
	"github.com/makeasinger/videogen/internal/handler"
	"github.com/makeasinger/videogen/internal/logger"
	"github.com/makeasinger/videogen/internal/middleware"
	"github.com/makeasinger/videogen/internal/service"
	"github.com/makeasinger/videogen/internal/websocket"
	"github.com/makeasinger/videogen/internal/worker"
)

const (
	testJWTSecret = "test-secret-for-e2e"
	testRedisAddr = "localhost:6379"
	testRedisDB   = 15

	stubAccessKey = "e2e-access-key"
	stubSecretKey = "e2e-secret-key"
)

// testApp holds all components needed for testing
type testApp struct {
	app   *fiber.App
	kling *stubKling
}

type appOptions struct {
	// withWorker starts an asynq worker server wired to the stub video API.
	withWorker bool
	// disabled leaves the video client unconfigured.
	disabled bool
	// videoPerHour overrides the generate rate limit.
	videoPerHour int
}

// setupApp creates a Fiber app wired like main.go. The video API is an
// in-process stub; Redis must be running locally or the test is skipped.
func setupApp(t *testing.T, opts appOptions) *testApp {
	t.Helper()

	redisClient := redis.NewClient(&redis.Options{
		Addr: testRedisAddr,
		DB:   testRedisDB, // use DB 15 for tests to avoid collision
	})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		redisClient.Close()
		t.Skipf("skipping: redis not available at %s: %v", testRedisAddr, err)
	}
	t.Cleanup(func() { redisClient.Close() })

	redisOpt := asynq.RedisClientOpt{Addr: testRedisAddr, DB: testRedisDB}
	asynqClient := asynq.NewClient(redisOpt)
	t.Cleanup(func() { asynqClient.Close() })

	validate := validator.New()
	log := logger.Discard()

	hub := websocket.NewHub(log)
	go hub.Run()
	t.Cleanup(hub.Stop)

	kling := newStubKling(t)

	var klingClient *client.KlingClient
	if !opts.disabled {
		var err error
		klingClient, err = client.NewKlingClient(kling.config(), client.WithLogger(log))
		if err != nil {
			t.Fatalf("failed to create video client: %v", err)
		}
	}

	videoService := service.NewVideoService(redisClient, asynqClient, service.VideoSettings{
		Enabled:  klingClient != nil,
		MaxRetry: 0,
		Timeout:  30 * time.Second,
	})

	videoHandler := handler.NewVideoHandler(videoService, validate)
	authHandler := handler.NewAuthHandler(nil, testJWTSecret)

	authMiddleware := middleware.NewAuthMiddleware(nil, testJWTSecret)
	rateLimiter := middleware.NewRateLimiter(redisClient)

	app := fiber.New()

	app.Get("/", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"timestamp": 1234567890})
	})
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status": "ok",
			"services": fiber.Map{
				"kling": klingClient != nil,
				"r2":    false,
				"auth":  true,
			},
		})
	})
	app.Get("/auth/verify", authHandler.Verify)

	api := app.Group("/api", authMiddleware.Authenticate())

	// Use very high rate limits so tests don't get blocked
	videoPerHour := 10000
	if opts.videoPerHour > 0 {
		videoPerHour = opts.videoPerHour
	}
	video := api.Group("/video")
	video.Post("/generate", rateLimiter.VideoLimit(videoPerHour), videoHandler.Generate)
	video.Get("/status/:jobId", videoHandler.Status)
	video.Get("/result/:jobId", videoHandler.Result)
	video.Post("/cancel/:jobId", videoHandler.Cancel)

	if opts.withWorker && klingClient != nil {
		srv := asynq.NewServer(redisOpt, asynq.Config{
			Concurrency: 2,
			Queues:      map[string]int{service.QueueVideo: 1},
			LogLevel:    asynq.WarnLevel,
		})
		videoWorker := worker.NewVideoWorker(videoService, klingClient, nil, hub, kling.config().MaxWait, log)
		mux := asynq.NewServeMux()
		mux.HandleFunc(service.TaskTypeVideo, videoWorker.ProcessTask)
		if err := srv.Start(mux); err != nil {
			t.Fatalf("failed to start asynq worker: %v", err)
		}
		t.Cleanup(srv.Shutdown)
	}

	return &testApp{app: app, kling: kling}
}

// stubKling imitates the remote video API. Each task reports processing
// for pendingPolls status queries and then the scripted terminal state.
type stubKling struct {
	srv *httptest.Server

	mu           sync.Mutex
	pendingPolls int
	failWith     string
	nextID       int
	polls        map[string]int
}

func newStubKling(t *testing.T) *stubKling {
	t.Helper()
	s := &stubKling{pendingPolls: 2, polls: make(map[string]int)}
	s.srv = httptest.NewServer(http.HandlerFunc(s.serve))
	t.Cleanup(s.srv.Close)
	return s
}

func (s *stubKling) config() *config.KlingConfig {
	return &config.KlingConfig{
		AccessKey:      stubAccessKey,
		SecretKey:      stubSecretKey,
		BaseURL:        s.srv.URL + "/v1",
		Model:          "kling-v1",
		Mode:           "std",
		PollInterval:   50 * time.Millisecond,
		MaxWait:        5 * time.Second,
		MaxRetries:     3,
		RequestTimeout: 2 * time.Second,
	}
}

func (s *stubKling) script(pendingPolls int, failWith string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pendingPolls = pendingPolls
	s.failWith = failWith
}

func (s *stubKling) serve(w http.ResponseWriter, r *http.Request) {
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if _, err := auth.VerifyCredential(token, stubSecretKey, time.Now()); err != nil {
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprintf(w, `{"code":1004,"message":%q}`, err.Error())
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	switch {
	case r.Method == http.MethodPost && strings.HasPrefix(r.URL.Path, "/v1/videos/"):
		s.nextID++
		id := fmt.Sprintf("task-%d", s.nextID)
		fmt.Fprintf(w, `{"code":0,"message":"SUCCEED","data":{"task_id":%q,"task_status":"submitted"}}`, id)

	case r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/v1/videos/"):
		id := r.URL.Path[strings.LastIndex(r.URL.Path, "/")+1:]
		s.polls[id]++
		switch {
		case s.polls[id] <= s.pendingPolls:
			fmt.Fprintf(w, `{"code":0,"data":{"task_id":%q,"task_status":"processing"}}`, id)
		case s.failWith != "":
			fmt.Fprintf(w, `{"code":0,"data":{"task_id":%q,"task_status":"failed","task_status_msg":%q}}`, id, s.failWith)
		default:
			fmt.Fprintf(w, `{"code":0,"data":{"task_id":%q,"task_status":"succeed","task_result":{"videos":[{"id":"v1","url":"https://videos.example.com/%s.mp4","duration":"5.0"}]}}}`, id, id)
		}

	default:
		http.NotFound(w, r)
	}
}

// generateToken creates an HMAC caller token for test requests.
func generateToken(t *testing.T) string {
	t.Helper()
	return generateTokenFor(t, "test-user-123")
}

func generateTokenFor(t *testing.T, userID string) string {
	t.Helper()
	signed, err := auth.SignCallerToken(userID, "test@example.com", testJWTSecret)
	if err != nil {
		t.Fatalf("failed to generate test token: %v", err)
	}
	return signed
}

// doRequest is a helper to perform HTTP requests against the test app.
func doRequest(app *fiber.App, method, path string, body string, headers map[string]string) (*http.Response, error) {
	var bodyReader io.Reader
	if body != "" {
		bodyReader = strings.NewReader(body)
	}

	req, err := http.NewRequest(method, path, bodyReader)
	if err != nil {
		return nil, err
	}

	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	return app.Test(req, -1)
}

// doAuthRequest performs an authenticated request.
func doAuthRequest(t *testing.T, app *fiber.App, method, path, body string) (*http.Response, error) {
	t.Helper()
	token := generateToken(t)
	return doRequest(app, method, path, body, map[string]string{
		"Authorization": "Bearer " + token,
	})
}

// readBody reads and returns the response body as a string.
func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("failed to read response body: %v", err)
	}
	return string(b)
}

// parseJSON parses response body into a map.
func parseJSON(t *testing.T, resp *http.Response) map[string]interface{} {
	t.Helper()
	body := readBody(t, resp)
	var result map[string]interface{}
	if err := json.Unmarshal([]byte(body), &result); err != nil {
		t.Fatalf("failed to parse JSON: %v\nbody: %s", err, body)
	}
	return result
}

// assertStatus checks the HTTP status code.
func assertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		t.Errorf("expected status %d, got %d", expected, resp.StatusCode)
	}
}
