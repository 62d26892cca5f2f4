package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/ammar1510/errands/internal/auth"
	"github.com/ammar1510/errands/internal/chat"
	"github.com/ammar1510/errands/internal/database"
	"github.com/ammar1510/errands/internal/errand"
	"github.com/ammar1510/errands/internal/events"
	"github.com/ammar1510/errands/internal/models"
	"github.com/ammar1510/errands/internal/notify"
)

var testJWTKey = []byte("api-test-secret")

type testAPI struct {
	router *gin.Engine
	db     *database.MemoryDB
}

// nobodyOnline is a gateway with no live connections.
type nobodyOnline struct{}

func (nobodyOnline) Deliver(context.Context, events.Event, []uuid.UUID) error { return nil }
func (nobodyOnline) IsOnline(uuid.UUID) bool                                 { return false }

// setupTestAPI wires the real services over the in-memory store the way the
// server does: accepting an errand opens its chat and notifies the parties.
func setupTestAPI(t *testing.T, uploads UploadSigner) *testAPI {
	t.Helper()
	gin.SetMode(gin.TestMode)
	auth.InitJWTKey(testJWTKey)

	db := database.NewMemoryDB()
	dispatcher := notify.NewDispatcher(db, nobodyOnline{}, nobodyOnline{}, 0)
	chats := chat.NewService(db, dispatcher)
	errands := errand.NewService(db, events.Fanout{chats, dispatcher}, errand.DefaultOptions())

	return &testAPI{
		router: SetupRouter(Deps{DB: db, Errands: errands, Chats: chats, Uploads: uploads}),
		db:     db,
	}
}

func newUser(t *testing.T, name string) (*models.User, string) {
	t.Helper()
	u := &models.User{ID: uuid.New(), Username: name}
	token, _, err := auth.GenerateToken(u)
	require.NoError(t, err)
	return u, token
}

func newAdmin(t *testing.T) (*models.User, string) {
	t.Helper()
	u := &models.User{ID: uuid.New(), Username: "ops", Role: models.UserRoleAdmin}
	token, _, err := auth.GenerateToken(u)
	require.NoError(t, err)
	return u, token
}

// do performs a request and returns the recorder. body may be nil.
func (a *testAPI) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func createErrandBody() gin.H {
	return gin.H{
		"title":    "Buy medicine at the pharmacy",
		"lat":      37.1997,
		"lng":      126.8313,
		"address":  "Hwaseong-si, Gyeonggi-do",
		"reward":   12000,
		"category": "shopping",
	}
}

func (a *testAPI) createErrand(t *testing.T, token string) *models.Errand {
	t.Helper()
	w := a.do(t, http.MethodPost, "/api/errands", token, createErrandBody())
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	return decode[*models.Errand](t, w)
}
