package http

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	graphrepos "github.com/yungbote/smriti-backend/internal/data/repos/graph"
	jobrepos "github.com/yungbote/smriti-backend/internal/data/repos/jobs"
	"github.com/yungbote/smriti-backend/internal/data/repos/testutil"
	types "github.com/yungbote/smriti-backend/internal/domain"
	"github.com/yungbote/smriti-backend/internal/domain/graph"
	"github.com/yungbote/smriti-backend/internal/domain/jobs"
	httpH "github.com/yungbote/smriti-backend/internal/http/handlers"
	"github.com/yungbote/smriti-backend/internal/pkg/dbctx"
	"github.com/yungbote/smriti-backend/internal/services"
)

type routerFixture struct {
	do           func(method, path string, body any) *httptest.ResponseRecorder
	userID       uuid.UUID
	reflectionID uuid.UUID
}

func newTestRouter(t *testing.T) *routerFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	ctx := context.Background()
	db := testutil.DB(t)
	log := testutil.Logger(t)

	userID := uuid.New()
	a := testutil.SeedNode(t, ctx, db, testutil.NodeSeed{UserID: userID})
	b := testutil.SeedNode(t, ctx, db, testutil.NodeSeed{UserID: userID, State: graph.NodeStateEmbedded})
	edge := testutil.SeedEdge(t, ctx, db, userID, a.ID, b.ID)

	reflections := graphrepos.NewReflectionRepo(db, log)
	refl := &types.Reflection{UserID: userID, GeneratedText: "You keep returning to the move."}
	if err := reflections.CreateWithEdges(dbctx.Background(ctx), refl, []uuid.UUID{edge.ID}); err != nil {
		t.Fatalf("seed reflection: %v", err)
	}

	graphSvc := services.NewGraphService(log,
		graphrepos.NewNodeRepo(db, log),
		graphrepos.NewEdgeRepo(db, log),
		reflections,
		graphrepos.NewErrorLogRepo(db, log),
	)
	jobSvc := services.NewJobService(db, log, jobrepos.NewJobRunRepo(db, log))
	r := NewRouter(RouterConfig{
		Log:           log,
		HealthHandler: httpH.NewHealthHandler(db),
		GraphHandler:  httpH.NewGraphHandler(graphSvc),
		JobHandler:    httpH.NewJobHandler(jobSvc),
	})
	do := func(method, path string, body any) *httptest.ResponseRecorder {
		var buf bytes.Buffer
		if body != nil {
			if err := json.NewEncoder(&buf).Encode(body); err != nil {
				t.Fatalf("encode body: %v", err)
			}
		}
		req := httptest.NewRequest(method, path, &buf)
		req.Header.Set("Content-Type", "application/json")
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w
	}
	return &routerFixture{do: do, userID: userID, reflectionID: refl.ID}
}

func TestHealthAndMetrics(t *testing.T) {
	f := newTestRouter(t)
	w := f.do(http.MethodGet, "/healthz", nil)
	if w.Code != http.StatusOK || w.Body.String() != "ok" {
		t.Fatalf("healthz: %d %q", w.Code, w.Body.String())
	}
	if code := f.do(http.MethodGet, "/metrics", nil).Code; code != http.StatusNotFound {
		t.Fatalf("metrics without registry: %d", code)
	}
}

func TestStatsEndpoint(t *testing.T) {
	f := newTestRouter(t)

	w := f.do(http.MethodGet, "/stats?user_id="+f.userID.String(), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("stats: %d %s", w.Code, w.Body.String())
	}
	var body struct {
		Stats services.GraphStats `json:"stats"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if body.Stats.Nodes[graph.NodeStateCreated] != 1 || body.Stats.Nodes[graph.NodeStateEmbedded] != 1 {
		t.Fatalf("node counts=%v", body.Stats.Nodes)
	}

	if code := f.do(http.MethodGet, "/stats?user_id=nope", nil).Code; code != http.StatusBadRequest {
		t.Fatalf("bad user_id: %d", code)
	}
}

func TestReflectionEndpoints(t *testing.T) {
	f := newTestRouter(t)
	user := "?user_id=" + f.userID.String()

	w := f.do(http.MethodGet, "/reflections"+user, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("list: %d %s", w.Code, w.Body.String())
	}
	var listed struct {
		Reflections []map[string]any `json:"reflections"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &listed); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(listed.Reflections) != 1 || listed.Reflections[0]["id"] != f.reflectionID.String() {
		t.Fatalf("listed=%v", listed.Reflections)
	}
	if _, ok := listed.Reflections[0]["generated_text"]; ok {
		t.Fatalf("ciphertext exposed in listing")
	}

	cases := []struct {
		name   string
		method string
		path   string
		want   int
	}{
		{"list without user", http.MethodGet, "/reflections", http.StatusBadRequest},
		{"delete without user", http.MethodDelete, "/reflections/" + f.reflectionID.String(), http.StatusBadRequest},
		{"delete bad id", http.MethodDelete, "/reflections/not-a-uuid" + user, http.StatusBadRequest},
		{"delete other user", http.MethodDelete, "/reflections/" + f.reflectionID.String() + "?user_id=" + uuid.NewString(), http.StatusNotFound},
		{"delete", http.MethodDelete, "/reflections/" + f.reflectionID.String() + user, http.StatusNoContent},
		{"delete again", http.MethodDelete, "/reflections/" + f.reflectionID.String() + user, http.StatusNotFound},
	}
	for _, tc := range cases {
		if code := f.do(tc.method, tc.path, nil).Code; code != tc.want {
			t.Fatalf("%s: status=%d want %d", tc.name, code, tc.want)
		}
	}

	w = f.do(http.MethodGet, "/reflections"+user, nil)
	if err := json.Unmarshal(w.Body.Bytes(), &listed); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(listed.Reflections) != 0 {
		t.Fatalf("deleted reflection still listed: %v", listed.Reflections)
	}
}

func TestJobEndpoints(t *testing.T) {
	f := newTestRouter(t)

	w := f.do(http.MethodPost, "/jobs", map[string]any{"job_type": jobs.TypeNodeEmbed, "payload": map[string]any{"batch_size": 3}})
	if w.Code != http.StatusAccepted {
		t.Fatalf("enqueue: %d %s", w.Code, w.Body.String())
	}
	var created struct {
		Job struct {
			ID     uuid.UUID `json:"id"`
			Status string    `json:"status"`
		} `json:"job"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode job: %v", err)
	}
	if created.Job.Status != jobs.StatusQueued {
		t.Fatalf("status=%q", created.Job.Status)
	}

	cases := []struct {
		method string
		path   string
		body   any
		want   int
	}{
		{http.MethodGet, "/jobs/" + created.Job.ID.String(), nil, http.StatusOK},
		{http.MethodPost, "/jobs/" + created.Job.ID.String() + "/cancel", nil, http.StatusOK},
		{http.MethodPost, "/jobs", map[string]any{"job_type": "chat_respond"}, http.StatusBadRequest},
		{http.MethodGet, "/jobs/not-a-uuid", nil, http.StatusBadRequest},
		{http.MethodGet, "/jobs/" + uuid.NewString(), nil, http.StatusNotFound},
	}
	for _, tc := range cases {
		if code := f.do(tc.method, tc.path, tc.body).Code; code != tc.want {
			t.Fatalf("%s %s: status=%d want %d", tc.method, tc.path, code, tc.want)
		}
	}
}
