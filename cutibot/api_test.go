package cutibot

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

const (
	testAdminUsername = "admin"
	testAdminPassword = "correct horse battery staple"
)

func init() {
	gin.SetMode(gin.TestMode)
	gin.DefaultWriter = io.Discard
}

// newTestAPI returns a bot with an admin account set, and the session
// cookies from logging in
func newTestAPI(t testing.TB) (*Bot, []*http.Cookie) {
	t.Helper()
	b, _ := newTestBot(t, nil)
	require.NotNil(t, b.api)
	require.NoError(
		t,
		SetAdminAccount(context.Background(), b.db, testAdminUsername, testAdminPassword),
	)
	b.api.loginRequestLimiter = rate.NewLimiter(rate.Inf, 1)

	w := doAPIRequest(
		t,
		b,
		http.MethodPost,
		apiPathLogin,
		userLogin{Username: testAdminUsername, Password: testAdminPassword},
		nil,
	)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	cookies := w.Result().Cookies()
	require.NotEmpty(t, cookies)
	return b, cookies
}

func doAPIRequest(
	t testing.TB,
	b *Bot,
	method string,
	path string,
	body any,
	cookies []*http.Cookie,
) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for _, c := range cookies {
		req.AddCookie(c)
	}
	w := httptest.NewRecorder()
	b.api.engine.ServeHTTP(w, req)
	return w
}

func decodeJSON[T any](t testing.TB, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func TestAPI_Login(t *testing.T) {
	t.Parallel()
	b, cookies := newTestAPI(t)

	w := doAPIRequest(t, b, http.MethodGet, apiPrefix+apiPathLoggedIn, nil, cookies)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, testAdminUsername, decodeJSON[loggedInResponse](t, w).Username)
	assert.NotEmpty(t, w.Header().Get(xRequestIDHeader))

	w = doAPIRequest(t, b, http.MethodGet, apiPrefix+apiPathLoggedIn, nil, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = doAPIRequest(t, b, http.MethodPost, apiPathLogout, nil, cookies)
	require.Equal(t, http.StatusOK, w.Code)
	loggedOut := w.Result().Cookies()
	require.NotEmpty(t, loggedOut)

	w = doAPIRequest(t, b, http.MethodGet, apiPrefix+apiPathLoggedIn, nil, loggedOut)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAPI_LoginFailures(t *testing.T) {
	t.Parallel()
	b, _ := newTestBot(t, nil)
	b.api.loginRequestLimiter = rate.NewLimiter(rate.Inf, 1)

	// no admin account yet
	w := doAPIRequest(
		t, b, http.MethodPost, apiPathLogin,
		userLogin{Username: testAdminUsername, Password: testAdminPassword}, nil,
	)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	require.NoError(
		t,
		SetAdminAccount(context.Background(), b.db, testAdminUsername, testAdminPassword),
	)

	testCases := []struct {
		name     string
		body     any
		wantCode int
	}{
		{"wrong password", userLogin{Username: testAdminUsername, Password: "nope"}, http.StatusUnauthorized},
		{"wrong username", userLogin{Username: "root", Password: testAdminPassword}, http.StatusUnauthorized},
		{"missing password", map[string]string{"username": testAdminUsername}, http.StatusBadRequest},
	}
	for _, tc := range testCases {
		t.Run(
			tc.name, func(t *testing.T) {
				w := doAPIRequest(t, b, http.MethodPost, apiPathLogin, tc.body, nil)
				assert.Equal(t, tc.wantCode, w.Code)
				assert.Empty(t, w.Result().Cookies())
			},
		)
	}
}

func TestAPI_LoginRateLimited(t *testing.T) {
	t.Parallel()
	b, _ := newTestBot(t, nil)
	b.api.loginRequestLimiter = rate.NewLimiter(rate.Limit(0.0001), 1)
	body := userLogin{Username: "x", Password: "y"}

	w := doAPIRequest(t, b, http.MethodPost, apiPathLogin, body, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	w = doAPIRequest(t, b, http.MethodPost, apiPathLogin, body, nil)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
}

func TestAPI_Unauthorized(t *testing.T) {
	t.Parallel()
	b, _ := newTestBot(t, nil)
	for _, route := range []struct {
		method string
		path   string
	}{
		{http.MethodGet, apiPathMemory},
		{http.MethodDelete, apiPathMemory},
		{http.MethodGet, "/memory/u1"},
		{http.MethodDelete, "/memory/u1"},
		{http.MethodGet, apiPathWars},
		{http.MethodGet, "/wars/1"},
		{http.MethodGet, apiPathWarnings},
		{http.MethodGet, apiPathModelCalls},
		{http.MethodPost, apiPathRegisterCmds},
	} {
		w := doAPIRequest(t, b, route.method, apiPrefix+route.path, nil, nil)
		assert.Equal(t, http.StatusUnauthorized, w.Code, route.path)
	}
}

func TestAPI_HealthCheck(t *testing.T) {
	t.Parallel()
	b, _ := newTestBot(t, nil)
	b.memory.Append("u1", SpeakerUser, "hi")

	w := doAPIRequest(t, b, http.MethodGet, apiHealthCheck, nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	resp := decodeJSON[healthCheckResponse](t, w)
	assert.Equal(t, 1, resp.MemoryUsers)
	assert.Equal(t, b.config.Memory.Capacity, resp.MemoryCapacity)
	assert.Equal(t, b.config.Model.MinInterval.String(), resp.ModelMinInterval)
	assert.False(t, resp.DiscordGatewayConnected)
	assert.Nil(t, resp.LastModelCall)
}

func TestAPI_Metrics(t *testing.T) {
	t.Parallel()
	b, _ := newTestBot(t, nil)
	b.memory.Append("u1", SpeakerUser, "hi")
	doAPIRequest(t, b, http.MethodGet, apiHealthCheck, nil, nil)

	w := doAPIRequest(t, b, http.MethodGet, apiPathMetrics, nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.Contains(t, body, metricsNamespace+"_memory_users 1")
	assert.Contains(
		t,
		body,
		fmt.Sprintf(`%s_api_requests_total{method="GET",route="/healthz",status="200"} 1`, metricsNamespace),
	)
}

func TestAPI_Memory(t *testing.T) {
	t.Parallel()
	b, cookies := newTestAPI(t)
	b.memory.Append("u1", SpeakerUser, "hello")
	b.memory.Append("u1", SpeakerBot, "Hmph.")
	b.memory.Append("u2", SpeakerUser, "hey")

	w := doAPIRequest(t, b, http.MethodGet, apiPrefix+apiPathMemory, nil, cookies)
	require.Equal(t, http.StatusOK, w.Code)
	summaries := decodeJSON[[]memorySummary](t, w)
	assert.ElementsMatch(
		t,
		[]memorySummary{{UserID: "u1", Turns: 2}, {UserID: "u2", Turns: 1}},
		summaries,
	)

	w = doAPIRequest(t, b, http.MethodGet, apiPrefix+"/memory/u1", nil, cookies)
	require.Equal(t, http.StatusOK, w.Code)
	user := decodeJSON[userMemoryResponse](t, w)
	assert.Equal(t, "u1", user.UserID)
	require.Len(t, user.Turns, 2)
	assert.Equal(t, "hello", user.Turns[0].Text)
	assert.Equal(t, SpeakerUser.String(), user.Turns[0].Speaker)
	assert.Equal(t, b.memory.Render("u1"), user.Transcript)

	w = doAPIRequest(t, b, http.MethodDelete, apiPrefix+"/memory/u1", nil, cookies)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 2, decodeJSON[memoryClearedResponse](t, w).Cleared)
	assert.Empty(t, b.memory.Turns("u1"))

	w = doAPIRequest(t, b, http.MethodDelete, apiPrefix+apiPathMemory, nil, cookies)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, decodeJSON[memoryClearedResponse](t, w).Cleared)
	assert.Empty(t, b.memory.Users())

	w = doAPIRequest(t, b, http.MethodGet, apiPrefix+apiPathMemory, nil, cookies)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "[]", strings.TrimSpace(w.Body.String()))
}

func TestAPI_Wars(t *testing.T) {
	t.Parallel()
	b, cookies := newTestAPI(t)
	ctx := context.Background()

	for n := range 3 {
		_, err := b.referee.CreateWar(
			ctx,
			NewWar{
				GuildID:       "guild-1",
				ChannelID:     "channel-1",
				TeamA:         fmt.Sprintf("Red %d", n),
				TeamB:         fmt.Sprintf("Blue %d", n),
				ScheduledTime: "soon",
				CreatedBy:     "creator",
			},
		)
		require.NoError(t, err)
	}
	_, err := b.referee.Claim(ctx, 2, "ref")
	require.NoError(t, err)

	w := doAPIRequest(t, b, http.MethodGet, apiPrefix+apiPathWars, nil, cookies)
	require.Equal(t, http.StatusOK, w.Code)
	wars := decodeJSON[[]War](t, w)
	require.Len(t, wars, 3)
	assert.EqualValues(t, 3, wars[0].ID)

	w = doAPIRequest(t, b, http.MethodGet, apiPrefix+apiPathWars+"?vacant=true", nil, cookies)
	require.Equal(t, http.StatusOK, w.Code)
	wars = decodeJSON[[]War](t, w)
	require.Len(t, wars, 2)
	for _, war := range wars {
		assert.Nil(t, war.Referee)
	}

	w = doAPIRequest(t, b, http.MethodGet, apiPrefix+apiPathWars+"?limit=1", nil, cookies)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decodeJSON[[]War](t, w), 1)

	w = doAPIRequest(t, b, http.MethodGet, apiPrefix+apiPathWars+"?limit=500", nil, cookies)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doAPIRequest(t, b, http.MethodGet, apiPrefix+"/wars/2", nil, cookies)
	require.Equal(t, http.StatusOK, w.Code)
	war := decodeJSON[War](t, w)
	require.NotNil(t, war.Referee)
	assert.Equal(t, "ref", *war.Referee)

	w = doAPIRequest(t, b, http.MethodGet, apiPrefix+"/wars/99", nil, cookies)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = doAPIRequest(t, b, http.MethodGet, apiPrefix+"/wars/abc", nil, cookies)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAPI_Warnings(t *testing.T) {
	t.Parallel()
	b, cookies := newTestAPI(t)
	ctx := context.Background()
	for n := range 4 {
		userID := "u1"
		if n%2 == 1 {
			userID = "u2"
		}
		_, err := b.writeDB.Create(
			ctx,
			&Warning{
				GuildID:     "guild-1",
				UserID:      userID,
				ModeratorID: "mod",
				Reason:      fmt.Sprintf("reason %d", n),
			},
		)
		require.NoError(t, err)
	}

	w := doAPIRequest(t, b, http.MethodGet, apiPrefix+apiPathWarnings+"?user_id=u1", nil, cookies)
	require.Equal(t, http.StatusOK, w.Code)
	warnings := decodeJSON[[]Warning](t, w)
	require.Len(t, warnings, 2)
	assert.Equal(t, "reason 2", warnings[0].Reason)
	assert.Equal(t, "reason 0", warnings[1].Reason)

	w = doAPIRequest(
		t, b, http.MethodGet,
		apiPrefix+apiPathWarnings+"?order=asc&limit=2&offset=1",
		nil, cookies,
	)
	require.Equal(t, http.StatusOK, w.Code)
	warnings = decodeJSON[[]Warning](t, w)
	require.Len(t, warnings, 2)
	assert.Equal(t, "reason 1", warnings[0].Reason)

	w = doAPIRequest(t, b, http.MethodGet, apiPrefix+apiPathWarnings+"?order=sideways", nil, cookies)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAPI_ModelCallsAndRegisterCommands(t *testing.T) {
	t.Parallel()
	b, cookies := newTestAPI(t)
	b.pipeline.intn = func(int) int { return 0 }

	_, err := b.pipeline.HandleMention(
		context.Background(),
		Mention{UserID: "u1", ChannelID: "c1", MessageID: "m1", Text: "hi"},
	)
	require.NoError(t, err)
	b.model.Wait()

	w := doAPIRequest(t, b, http.MethodGet, apiPrefix+apiPathModelCalls+"?user_id=u1", nil, cookies)
	require.Equal(t, http.StatusOK, w.Code)
	calls := decodeJSON[[]ModelCallLog](t, w)
	require.Len(t, calls, 1)
	assert.Equal(t, "u1", calls[0].UserID)

	w = doAPIRequest(t, b, http.MethodPost, apiPrefix+apiPathRegisterCmds, nil, cookies)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(
		t,
		fmt.Sprintf("registered %d commands", len(appCommands())),
		decodeJSON[httpReply](t, w).Message,
	)
}
