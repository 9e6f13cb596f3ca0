package router

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sudooom.portal.messaging/internal/config"
	"sudooom.portal.messaging/internal/handler"
	"sudooom.portal.messaging/internal/middleware"
	"sudooom.portal.messaging/internal/notification"
	"sudooom.portal.messaging/internal/realtime"
	"sudooom.portal.messaging/internal/repository"
	"sudooom.portal.messaging/internal/safety"
	"sudooom.portal.messaging/internal/service"
	"sudooom.portal.messaging/pkg/jwt"
	"sudooom.portal.messaging/pkg/response"
	"sudooom.portal.messaging/pkg/snowflake"
)

type counter struct {
	mu     sync.Mutex
	counts map[string]int64
}

func (c *counter) Incr(ctx context.Context, key string) *redis.IntCmd {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counts[key]++
	return redis.NewIntResult(c.counts[key], nil)
}

func (c *counter) Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd {
	return redis.NewBoolResult(true, nil)
}

func setup(t *testing.T, sendLimit int) (*gin.Engine, *jwt.Service) {
	t.Helper()
	cfg := config.Default()
	cfg.HTTP.Mode = gin.TestMode

	sf, err := snowflake.NewNode(9)
	require.NoError(t, err)
	store := repository.NewMemoryStore()
	bus := realtime.NewLocalBus(realtime.Options{})
	filter := safety.NewFilter(cfg.Messaging.MaxContentLength)
	convs := service.NewConversationService(store.Conversations(), bus, sf)
	msgs := service.NewMessageService(store.Messages(), convs, filter, bus, sf)
	hub := notification.NewHub(context.Background(), func(userID int64) *notification.Client {
		return notification.NewClient(userID, convs, msgs, bus, filter, notification.Config{})
	})
	t.Cleanup(hub.Close)

	jwtService := jwt.NewService("router-test", time.Hour)
	limiter := middleware.NewRateLimiter(&counter{counts: make(map[string]int64)}, "dm:send", sendLimit, time.Minute)

	r := SetupRouter(cfg, jwtService, limiter, Handlers{
		Conversation: handler.NewConversationHandler(convs),
		Message:      handler.NewMessageHandler(msgs),
		Unread:       handler.NewUnreadHandler(msgs),
		Events:       handler.NewEventsHandler(hub),
	})
	return r, jwtService
}

func call(t *testing.T, r *gin.Engine, token, method, path string, body interface{}) (int, response.Response) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, _ := http.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	var resp response.Response
	dec := json.NewDecoder(w.Body)
	dec.UseNumber()
	require.NoError(t, dec.Decode(&resp))
	return w.Code, resp
}

func TestSetupRouter_RequiresToken(t *testing.T) {
	r, _ := setup(t, 10)

	for _, path := range []string{"/api/v1/conversations", "/api/v1/unread", "/api/v1/events"} {
		status, resp := call(t, r, "", http.MethodGet, path, nil)
		assert.Equal(t, http.StatusUnauthorized, status, path)
		assert.Equal(t, response.CodeTokenInvalid, resp.Code, path)
	}
}

func TestSetupRouter_ConversationFlow(t *testing.T) {
	r, jwtService := setup(t, 10)
	aliceToken, _, err := jwtService.GenerateAccessToken(11, "web")
	require.NoError(t, err)
	bobToken, _, err := jwtService.GenerateAccessToken(12, "web")
	require.NoError(t, err)

	status, resp := call(t, r, aliceToken, http.MethodPost, "/api/v1/conversations", gin.H{"peerId": 12})
	require.Equal(t, http.StatusOK, status)
	conv := resp.Data.(map[string]interface{})
	convID, err := conv["id"].(json.Number).Int64()
	require.NoError(t, err)

	status, _ = call(t, r, aliceToken, http.MethodPost, fmt.Sprintf("/api/v1/conversations/%d/messages", convID), gin.H{"content": "hi"})
	require.Equal(t, http.StatusOK, status)

	status, resp = call(t, r, bobToken, http.MethodGet, "/api/v1/unread", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, json.Number("1"), resp.Data.(map[string]interface{})["count"])

	status, resp = call(t, r, bobToken, http.MethodPost, "/api/v1/unread/read-all", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, json.Number("0"), resp.Data.(map[string]interface{})["count"])
}

func TestSetupRouter_SendsAreRateLimited(t *testing.T) {
	r, jwtService := setup(t, 2)
	token, _, err := jwtService.GenerateAccessToken(21, "web")
	require.NoError(t, err)

	body := gin.H{"peerId": 22, "content": "spam"}
	for i := 0; i < 2; i++ {
		status, _ := call(t, r, token, http.MethodPost, "/api/v1/messages", body)
		require.Equal(t, http.StatusOK, status)
	}
	status, resp := call(t, r, token, http.MethodPost, "/api/v1/messages", body)
	assert.Equal(t, http.StatusTooManyRequests, status)
	assert.Equal(t, response.CodeTooManyRequests, resp.Code)

	// reads are not limited
	status, _ = call(t, r, token, http.MethodGet, "/api/v1/conversations", nil)
	assert.Equal(t, http.StatusOK, status)
}

func TestSetupRouter_ServesAPIDocsWithoutToken(t *testing.T) {
	r, _ := setup(t, 10)

	req, _ := http.NewRequest(http.MethodGet, "/swagger/index.html", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "swagger-ui")
}
