package app

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RubachokBoss/practicum-enrichment/internal/auth"
	"github.com/RubachokBoss/practicum-enrichment/internal/config"
	"github.com/RubachokBoss/practicum-enrichment/internal/models"
)

var (
	admin       = auth.Principal{UserID: "admin-1", Role: auth.RoleAdmin}
	participant = auth.Principal{UserID: "p-1", Name: "Pat", Role: auth.RoleParticipant}
)

func memoryConfig(t *testing.T, analysisURL string) *config.Config {
	t.Helper()

	cfg, err := config.LoadFrom(viper.New(), t.TempDir())
	require.NoError(t, err)

	cfg.Server.Address = "127.0.0.1:0"
	cfg.Database.Driver = "memory"
	cfg.RabbitMQ.Driver = "memory"
	cfg.Redis.Driver = "memory"
	cfg.Storage.Driver = "memory"
	cfg.Analysis.URL = analysisURL
	cfg.Enrichment.BackoffBase = 10 * time.Millisecond
	cfg.Auth.JWTSecret = "app-test-secret"
	return cfg
}

func fakeAnalysis(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/analyze" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"result":{"label":"maple","confidence":0.93}}`))
	}))
	t.Cleanup(srv.Close)
	return srv
}

type client struct {
	base   string
	tokens *auth.TokenManager
}

func (c client) token(t *testing.T, p auth.Principal) string {
	t.Helper()
	token, err := c.tokens.Issue(p, time.Hour)
	require.NoError(t, err)
	return token
}

func (c client) send(t *testing.T, p auth.Principal, method, path, contentType string, body io.Reader) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, c.base+path, body)
	require.NoError(t, err)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Authorization", "Bearer "+c.token(t, p))

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (c client) json(t *testing.T, p auth.Principal, method, path string, body interface{}) *http.Response {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	return c.send(t, p, method, path, "application/json", reader)
}

func decode(t *testing.T, resp *http.Response, dst interface{}) {
	t.Helper()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(dst))
}

type wsFrame struct {
	Type string            `json:"type"`
	Data models.FieldEvent `json:"data"`
}

func TestApp_EnrichesUploadedPhoto(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := memoryConfig(t, fakeAnalysis(t).URL)
	a, err := New(ctx, cfg, zerolog.Nop(), ModeServe)
	require.NoError(t, err)

	runErr := make(chan error, 1)
	go func() { runErr <- a.Run(ctx) }()

	api := httptest.NewServer(a.server.Handler)
	defer api.Close()
	c := client{base: api.URL, tokens: auth.NewTokenManager(cfg.Auth.JWTSecret, cfg.Auth.Issuer)}

	resp := c.json(t, admin, http.MethodPut, "/api/v1/assignments/bio-101", models.UpsertAssignmentRequest{
		Title: "Plant growth",
		Fields: []models.FieldSchema{
			{Name: "leaf_photo", Type: models.FieldTypeImage, Prompt: "Identify the leaf."},
		},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var form bytes.Buffer
	mw := multipart.NewWriter(&form)
	part, err := mw.CreatePart(textproto.MIMEHeader{
		"Content-Disposition": {`form-data; name="file"; filename="leaf.png"`},
		"Content-Type":        {"image/png"},
	})
	require.NoError(t, err)
	_, err = part.Write([]byte("\x89PNG\r\n\x1a\nfake"))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	resp = c.send(t, participant, http.MethodPost, "/api/v1/media", mw.FormDataContentType(), &form)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var upload models.UploadMediaResponse
	decode(t, resp, &upload)
	require.True(t, strings.HasPrefix(upload.MediaRef, "media/p-1/"))

	resp = c.json(t, participant, http.MethodPost, "/api/v1/submissions", models.CreateSubmissionRequest{AssignmentID: "bio-101"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var sub models.Submission
	decode(t, resp, &sub)

	wsURL := "ws" + strings.TrimPrefix(api.URL, "http") + "/ws?token=" + c.token(t, participant)
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(map[string]string{"action": "join", "room": "submission", "id": sub.ID}))
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var joined wsFrame
	require.NoError(t, conn.ReadJSON(&joined))
	require.Equal(t, "joined", joined.Type)

	resp = c.json(t, participant, http.MethodPost, "/api/v1/submissions/"+sub.ID+"/datapoints", models.SubmitDataPointRequest{
		Sequence: 1,
		Fields: []models.FieldInput{
			{Name: "leaf_photo", Type: models.FieldTypeImage, MediaRef: upload.MediaRef, MimeType: upload.MimeType},
		},
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var statuses []string
	for {
		var frame wsFrame
		require.NoError(t, conn.ReadJSON(&frame))
		if frame.Type != "event" {
			continue
		}
		assert.Equal(t, "leaf_photo", frame.Data.FieldName)
		statuses = append(statuses, frame.Data.Status)
		if frame.Data.Event == models.EventFieldCompleted {
			assert.JSONEq(t, `{"label":"maple","confidence":0.93}`, string(frame.Data.Payload))
			break
		}
	}
	assert.Equal(t, []string{"processing", "completed"}, statuses)

	resp = c.json(t, participant, http.MethodGet, "/api/v1/submissions/"+sub.ID+"/datapoints/1/fields/leaf_photo", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var field models.Field
	decode(t, resp, &field)
	assert.Equal(t, models.EnrichmentStatusCompleted, field.Status)
	assert.Equal(t, "Identify the leaf.", field.Prompt)
	assert.JSONEq(t, `{"label":"maple","confidence":0.93}`, string(field.Result))

	resp = c.json(t, admin, http.MethodGet, "/api/v1/enrichments/jobs?outcome=completed", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var jobs struct {
		Count int `json:"count"`
	}
	decode(t, resp, &jobs)
	assert.Equal(t, 1, jobs.Count)

	resp = c.json(t, participant, http.MethodPost, "/api/v1/submissions/"+sub.ID+"/submit", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decode(t, resp, &sub)
	assert.Equal(t, models.SubmissionStatusSubmitted, sub.Status)

	shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
	defer stop()
	require.NoError(t, a.Shutdown(shutdownCtx))

	select {
	case err := <-runErr:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after Shutdown")
	}
}

func TestApp_WorkerModeServesOperationalRoutesOnly(t *testing.T) {
	cfg := memoryConfig(t, "http://127.0.0.1:1")
	a, err := New(context.Background(), cfg, zerolog.Nop(), ModeWorker)
	require.NoError(t, err)
	defer a.Shutdown(context.Background())

	srv := httptest.NewServer(a.server.Handler)
	defer srv.Close()

	for path, want := range map[string]int{
		"/health":             http.StatusOK,
		"/status":             http.StatusOK,
		"/metrics":            http.StatusOK,
		"/api/v1/enrichments": http.StatusNotFound,
		"/ws":                 http.StatusNotFound,
	} {
		resp, err := http.Get(srv.URL + path)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, want, resp.StatusCode, path)
	}
}

func TestNew_RejectsUnreachableRedis(t *testing.T) {
	cfg := memoryConfig(t, "http://127.0.0.1:1")
	cfg.Redis.Driver = "redis"
	cfg.Redis.Addr = "127.0.0.1:1"

	_, err := New(context.Background(), cfg, zerolog.Nop(), ModeServe)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to connect to redis")
}
