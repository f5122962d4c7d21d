package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mise/internal/analysis"
	"mise/internal/broadcast"
	"mise/internal/store"
	"mise/internal/transparency"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// okStage is a capability set where every stage succeeds immediately.
type okStage struct{}

func ok(stage analysis.Stage) (analysis.StageResult, error) {
	return analysis.StageResult{
		Applicable: true,
		Message:    "ok",
		Snapshot:   analysis.StageSnapshot{Stage: stage},
	}, nil
}

func (okStage) ExtractMenu(context.Context, *analysis.Session) (analysis.StageResult, error) {
	return ok(analysis.StageMenuExtraction)
}
func (okStage) ScoreImages(context.Context, *analysis.Session) (analysis.StageResult, error) {
	return ok(analysis.StageImageAnalysis)
}
func (okStage) ParseCompetitors(context.Context, *analysis.Session) (analysis.StageResult, error) {
	return ok(analysis.StageCompetitorParsing)
}
func (okStage) FindCompetitors(context.Context, *analysis.Session) (analysis.StageResult, error) {
	return ok(analysis.StageCompetitorDiscovery)
}
func (okStage) EnrichCompetitors(context.Context, *analysis.Session) (analysis.StageResult, error) {
	return ok(analysis.StageCompetitorEnrichment)
}
func (okStage) VerifyCompetitors(context.Context, *analysis.Session) (analysis.StageResult, error) {
	return ok(analysis.StageCompetitorVerification)
}
func (okStage) AnalyzeCompetitors(context.Context, *analysis.Session) (analysis.StageResult, error) {
	return ok(analysis.StageCompetitorAnalysis)
}
func (okStage) AnalyzeNeighborhood(context.Context, *analysis.Session) (analysis.StageResult, error) {
	return ok(analysis.StageNeighborhoodAnalysis)
}
func (okStage) AnalyzeSentiment(context.Context, *analysis.Session) (analysis.StageResult, error) {
	return ok(analysis.StageSentimentAnalysis)
}
func (okStage) AnalyzeVisualGaps(context.Context, *analysis.Session) (analysis.StageResult, error) {
	return ok(analysis.StageVisualGapAnalysis)
}
func (okStage) ProcessContext(context.Context, *analysis.Session) (analysis.StageResult, error) {
	return ok(analysis.StageContextProcessing)
}
func (okStage) ProcessSales(context.Context, *analysis.Session) (analysis.StageResult, error) {
	return ok(analysis.StageSalesProcessing)
}
func (okStage) ClassifyPortfolio(context.Context, *analysis.Session) (analysis.StageResult, error) {
	return ok(analysis.StageBCGClassification)
}
func (okStage) ForecastSales(context.Context, *analysis.Session) (analysis.StageResult, error) {
	return ok(analysis.StageSalesPrediction)
}
func (okStage) GenerateCampaigns(context.Context, *analysis.Session) (analysis.StageResult, error) {
	return ok(analysis.StageCampaignGeneration)
}
func (okStage) VerifyStrategy(context.Context, *analysis.Session) (analysis.StageResult, error) {
	return ok(analysis.StageStrategicVerification)
}

func okCapabilities() analysis.Capabilities {
	s := okStage{}
	return analysis.Capabilities{
		Menu: s, Images: s, CompParser: s, CompFinder: s,
		CompEnricher: s, CompVerifier: s, CompAnalyst: s,
		Neighborhood: s, Sentiment: s, VisualGaps: s,
		Context: s, Sales: s, Classifier: s, Forecaster: s,
		Campaigns: s, Verifier: s,
	}
}

func newTestServer(t *testing.T) (*Server, *gin.Engine) {
	t.Helper()

	repo, err := store.Open(filepath.Join(t.TempDir(), "mise.db"))
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })

	hub := broadcast.NewHub()
	t.Cleanup(hub.Close)

	orchCache := store.NewCache("orchestrator", repo)
	pipeline := analysis.NewPipeline(orchCache, transparency.NewRecorder(), hub, okCapabilities())
	apiCache := store.NewCache("api", repo)

	srv := NewServer(pipeline, apiCache, repo, time.Second)
	return srv, srv.Router()
}

func doJSON(t *testing.T, router *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

// createAndWait creates a session and polls until its background run
// reaches a terminal stage.
func createAndWait(t *testing.T, router *gin.Engine) string {
	t.Helper()

	w := doJSON(t, router, http.MethodPost, "/api/sessions", analysis.StartRequest{
		RestaurantName: "Mama Rosa",
		MenuImagePaths: []string{"menu1.jpg"},
	})
	require.Equal(t, http.StatusCreated, w.Code)

	var created struct {
		SessionID string `json:"session_id"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	require.NotEmpty(t, created.SessionID)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		w := doJSON(t, router, http.MethodGet, "/api/sessions/"+created.SessionID, nil)
		require.Equal(t, http.StatusOK, w.Code)
		var st analysis.Status
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &st))
		if analysis.IsTerminal(st.CurrentStage) {
			return created.SessionID
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("session never reached a terminal stage")
	return ""
}

func TestCreateSessionValidation(t *testing.T) {
	_, router := newTestServer(t)

	w := doJSON(t, router, http.MethodPost, "/api/sessions", gin.H{})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	req := httptest.NewRequest(http.MethodPost, "/api/sessions", strings.NewReader("not json"))
	w2 := httptest.NewRecorder()
	router.ServeHTTP(w2, req)
	assert.Equal(t, http.StatusBadRequest, w2.Code)
}

func TestCreateRunsToCompletion(t *testing.T) {
	_, router := newTestServer(t)

	id := createAndWait(t, router)

	w := doJSON(t, router, http.MethodGet, "/api/sessions/"+id, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var st analysis.Status
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &st))
	assert.Equal(t, analysis.StageCompleted, st.CurrentStage)
	assert.Equal(t, len(analysis.PipelineSpecs()), st.CheckpointCount)
	assert.True(t, st.Archived)
}

func TestGetUnknownSession(t *testing.T) {
	_, router := newTestServer(t)

	w := doJSON(t, router, http.MethodGet, "/api/sessions/nope", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = doJSON(t, router, http.MethodGet, "/api/sessions/nope/export", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = doJSON(t, router, http.MethodPost, "/api/sessions/nope/resume", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestExportReturnsFullRecord(t *testing.T) {
	_, router := newTestServer(t)
	id := createAndWait(t, router)

	w := doJSON(t, router, http.MethodGet, "/api/sessions/"+id+"/export", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var sess analysis.Session
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &sess))
	assert.Equal(t, id, sess.ID)
	assert.Len(t, sess.Checkpoints, len(analysis.PipelineSpecs()))
}

func TestListSessions(t *testing.T) {
	_, router := newTestServer(t)
	createAndWait(t, router)

	w := doJSON(t, router, http.MethodGet, "/api/sessions", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var out struct {
		Count int `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	assert.Equal(t, 1, out.Count)

	// Completed sessions are archived, so the active filter hides them.
	w = doJSON(t, router, http.MethodGet, "/api/sessions?active=true", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	assert.Equal(t, 0, out.Count)
}

func TestPatchFlags(t *testing.T) {
	_, router := newTestServer(t)
	id := createAndWait(t, router)

	w := doJSON(t, router, http.MethodPatch, "/api/sessions/"+id+"/flags", gin.H{
		"flags": gin.H{"auto_verify": true},
	})
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, router, http.MethodGet, "/api/sessions/"+id+"/export", nil)
	var sess analysis.Session
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &sess))
	assert.True(t, sess.Flag("auto_verify"))

	w = doJSON(t, router, http.MethodPatch, "/api/sessions/"+id+"/flags", gin.H{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCancelWithoutActiveRun(t *testing.T) {
	_, router := newTestServer(t)
	id := createAndWait(t, router)

	w := doJSON(t, router, http.MethodPost, "/api/sessions/"+id+"/cancel", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestThoughtsEndpoint(t *testing.T) {
	_, router := newTestServer(t)
	id := createAndWait(t, router)

	w := doJSON(t, router, http.MethodGet, "/api/sessions/"+id+"/thoughts", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var out struct {
		SessionID string `json:"session_id"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	assert.Equal(t, id, out.SessionID)
}

func TestLiveChannelSendsConnectionAck(t *testing.T) {
	_, router := newTestServer(t)
	id := createAndWait(t, router)

	ts := httptest.NewServer(router)
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/sessions/" + id + "/live"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev broadcast.Event
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, broadcast.EventConnectionAck, ev.Type)
	assert.Equal(t, id, ev.SessionID)
}

func TestLiveChannelGetStatus(t *testing.T) {
	_, router := newTestServer(t)
	id := createAndWait(t, router)

	ts := httptest.NewServer(router)
	defer ts.Close()

	url := fmt.Sprintf("ws%s/api/sessions/%s/live", strings.TrimPrefix(ts.URL, "http"), id)
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ack broadcast.Event
	require.NoError(t, conn.ReadJSON(&ack))
	require.Equal(t, broadcast.EventConnectionAck, ack.Type)

	require.NoError(t, conn.WriteJSON(clientMessage{Action: "get_status"}))

	// Heartbeats may interleave; wait for the status reply.
	for {
		var ev broadcast.Event
		require.NoError(t, conn.ReadJSON(&ev))
		if ev.Type == broadcast.EventHeartbeat {
			continue
		}
		assert.Equal(t, broadcast.EventProgress, ev.Type)
		assert.Equal(t, string(analysis.StageCompleted), ev.Stage)
		return
	}
}
