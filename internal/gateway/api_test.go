// ABOUTME: Tests for the HTTP surface: websocket endpoints, readiness and the participants API
// ABOUTME: Drives real websocket clients against an httptest server backed by the in-memory broker

package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/support-relay/internal/auth"
	"github.com/2389/support-relay/internal/relay"
)

const testSecret = "relay-test-secret-key-32-bytes!!"

type wsFrame struct {
	Type     string `json:"type"`
	From     string `json:"from"`
	To       string `json:"to"`
	Message  any    `json:"message"`
	FileURL  string `json:"file_url"`
	MimeType string `json:"mime_type"`
}

// startTestServer runs a started gateway behind httptest.
func startTestServer(t *testing.T, extra string) (*Gateway, *httptest.Server) {
	t.Helper()
	gw, err := New(testConfig(t, extra), testLogger())
	require.NoError(t, err)
	require.NoError(t, gw.Start(context.Background()))

	srv := httptest.NewServer(gw.Handler())
	t.Cleanup(srv.Close)
	t.Cleanup(func() { _ = gw.Shutdown(context.Background()) })
	return gw, srv
}

func dialWS(t *testing.T, srv *httptest.Server, path string, query url.Values, header http.Header) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	u := "ws" + strings.TrimPrefix(srv.URL, "http") + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	conn, resp, err := websocket.DefaultDialer.Dial(u, header)
	if conn != nil {
		t.Cleanup(func() { conn.Close() })
	}
	return conn, resp, err
}

func readFrame(t *testing.T, conn *websocket.Conn) wsFrame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	var f wsFrame
	if err := conn.ReadJSON(&f); err != nil {
		t.Fatalf("reading frame: %v", err)
	}
	return f
}

func connectDev(t *testing.T, srv *httptest.Server, path string, params map[string]string) *websocket.Conn {
	t.Helper()
	q := url.Values{}
	for k, v := range params {
		q.Set(k, v)
	}
	conn, _, err := dialWS(t, srv, path, q, nil)
	require.NoError(t, err)
	greeting := readFrame(t, conn)
	require.Equal(t, "greeting", greeting.Type)
	return conn
}

func TestHealthEndpoints(t *testing.T) {
	gw, err := New(testConfig(t, ""), testLogger())
	require.NoError(t, err)
	defer gw.Shutdown(context.Background())

	rec := httptest.NewRecorder()
	gw.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())

	rec = httptest.NewRecorder()
	gw.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	require.NoError(t, gw.Start(context.Background()))
	rec = httptest.NewRecorder()
	gw.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "0 clients, 0 operators")
}

func TestWebsocket_GreetingUsesName(t *testing.T) {
	_, srv := startTestServer(t, "")

	conn, _, err := dialWS(t, srv, "/ws/client", url.Values{"id": {"c-42"}, "name": {"Alice"}}, nil)
	require.NoError(t, err)

	greeting := readFrame(t, conn)
	assert.Equal(t, "greeting", greeting.Type)
	assert.Equal(t, "Hello, Alice, how can I help you?", greeting.Message)
}

func TestWebsocket_DevResolverRequiresID(t *testing.T) {
	_, srv := startTestServer(t, "")

	_, resp, err := dialWS(t, srv, "/ws/client", nil, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestWebsocket_ClientOperatorRoundTrip(t *testing.T) {
	_, srv := startTestServer(t, "")

	operator := connectDev(t, srv, "/ws/operator", map[string]string{"id": "O1"})
	client := connectDev(t, srv, "/ws/client", map[string]string{"id": "C1"})

	require.NoError(t, client.WriteMessage(websocket.TextMessage, []byte("my key does not work")))
	got := readFrame(t, operator)
	assert.Equal(t, "client_message", got.Type)
	assert.Equal(t, "C1", got.From)
	assert.Equal(t, "my key does not work", got.Message)

	require.NoError(t, operator.WriteJSON(map[string]string{"message": "let me check", "to": "C1"}))
	reply := readFrame(t, client)
	assert.Equal(t, "operator_message", reply.Type)
	assert.Equal(t, "O1", reply.From)
	assert.Equal(t, "let me check", reply.Message)
}

func TestWebsocket_BotAnswersWithoutOperator(t *testing.T) {
	_, srv := startTestServer(t, "")

	client := connectDev(t, srv, "/ws/client", map[string]string{"id": "C1"})
	require.NoError(t, client.WriteMessage(websocket.TextMessage, []byte("Delivery")))

	reply := readFrame(t, client)
	assert.Equal(t, "bot_message", reply.Type)
	assert.NotEmpty(t, reply.Message)
}

func TestWebsocket_OperatorJoinNotifiesClient(t *testing.T) {
	_, srv := startTestServer(t, "")

	client := connectDev(t, srv, "/ws/client", map[string]string{"id": "C1"})
	connectDev(t, srv, "/ws/operator", map[string]string{"id": "O1", "client": "C1"})

	notice := readFrame(t, client)
	assert.Equal(t, "notify", notice.Type)
	assert.Equal(t, "Operator O1 joined the chat", notice.Message)
}

func TestWebsocket_ReconnectSupersedes(t *testing.T) {
	gw, srv := startTestServer(t, "")

	first := connectDev(t, srv, "/ws/client", map[string]string{"id": "C1"})
	connectDev(t, srv, "/ws/client", map[string]string{"id": "C1"})

	require.NoError(t, first.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, _, err := first.ReadMessage()
	assert.Error(t, err, "superseded connection is closed")
	assert.Equal(t, 1, gw.registry.Count("client"))
}

func TestWebsocket_OriginAllowList(t *testing.T) {
	gw, srv := startTestServer(t, "")
	gw.config.Server.AllowedOrigins = []string{"https://shop.example.com"}

	header := http.Header{"Origin": {"https://evil.example.com"}}
	_, resp, err := dialWS(t, srv, "/ws/client", url.Values{"id": {"C1"}}, header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	header = http.Header{"Origin": {"https://shop.example.com"}}
	conn, _, err := dialWS(t, srv, "/ws/client", url.Values{"id": {"C1"}}, header)
	require.NoError(t, err)
	assert.Equal(t, "greeting", readFrame(t, conn).Type)
}

func TestWebsocket_JWT(t *testing.T) {
	_, srv := startTestServer(t, "auth:\n  jwt_secret: \""+testSecret+"\"\n")
	verifier, err := auth.NewJWTVerifier([]byte(testSecret))
	require.NoError(t, err)

	clientToken, err := verifier.Generate(auth.Claims{Subject: "C7", Username: "Bob", Role: "client"}, time.Hour)
	require.NoError(t, err)

	t.Run("missing token", func(t *testing.T) {
		_, resp, err := dialWS(t, srv, "/ws/client", url.Values{"id": {"C7"}}, nil)
		require.Error(t, err)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("wrong role", func(t *testing.T) {
		_, resp, err := dialWS(t, srv, "/ws/operator", url.Values{"token": {clientToken}}, nil)
		require.Error(t, err)
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	})

	t.Run("bearer header", func(t *testing.T) {
		header := http.Header{"Authorization": {"Bearer " + clientToken}}
		conn, _, err := dialWS(t, srv, "/ws/client", nil, header)
		require.NoError(t, err)
		assert.Equal(t, "Hello, Bob, how can I help you?", readFrame(t, conn).Message)
	})
}

func TestParticipantsAPI(t *testing.T) {
	_, srv := startTestServer(t, "")

	connectDev(t, srv, "/ws/client", map[string]string{"id": "C1"})
	connectDev(t, srv, "/ws/operator", map[string]string{"id": "O1", "client": "C1"})

	var snap relay.Snapshot
	require.Eventually(t, func() bool {
		resp, err := http.Get(srv.URL + "/api/participants?id=O1")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return false
		}
		if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
			return false
		}
		return len(snap.Pairings) == 1
	}, 3*time.Second, 20*time.Millisecond)

	assert.Equal(t, []string{"C1"}, snap.Clients)
	assert.Equal(t, []string{"O1"}, snap.Operators)
	assert.Equal(t, "O1", snap.Pairings["C1"])
}

func TestParticipantsAPI_RequiresOperator(t *testing.T) {
	_, srv := startTestServer(t, "auth:\n  jwt_secret: \""+testSecret+"\"\n")

	resp, err := http.Get(srv.URL + "/api/participants")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	verifier, err := auth.NewJWTVerifier([]byte(testSecret))
	require.NoError(t, err)
	token, err := verifier.Generate(auth.Claims{Subject: "O1", Role: "operator"}, time.Hour)
	require.NoError(t, err)

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/api/participants", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
}
