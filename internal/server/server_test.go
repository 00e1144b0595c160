package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"

	"thesisline/internal/config"
	"thesisline/internal/db"
	"thesisline/internal/domain"
	"thesisline/internal/engine"
	"thesisline/internal/migrate"
)

const testSecret = "test-secret"

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, config.Default(), zerolog.Nop())
	handler, err := New(Config{Engine: e, BasePath: "/v0", Auth: AuthConfig{JWTSecret: testSecret}})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	t.Cleanup(testSrv.close)
	return testSrv
}

func signToken(t *testing.T, actorID, role string) string {
	t.Helper()
	claims := jwt.MapClaims{
		"sub":  actorID,
		"role": role,
		"exp":  time.Now().Add(time.Hour).Unix(),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

func asActor(t *testing.T, actorID, role string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + signToken(t, actorID, role)}
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func submitTestForm(t *testing.T, srv *testServer) ProjectResponse {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/projects", map[string]any{
		"title":          "Graph partitioning heuristics",
		"student_id":     "stu-1",
		"director_email": "director@univ.edu",
		"student_emails": []string{"student@univ.edu"},
	}, asActor(t, "stu-1", "student"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("submit form status %d: %s", res.StatusCode, string(data))
	}
	var out SubmitFormResponse
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	return out.Project
}

func TestAuthRequired(t *testing.T) {
	srv := newTestServer(t)
	res, _ := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/projects", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", res.StatusCode)
	}

	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health should skip auth, got %d", res.StatusCode)
	}
}

func TestFullApprovalOverHTTP(t *testing.T) {
	srv := newTestServer(t)
	client := srv.Client()
	project := submitTestForm(t, srv)

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects/"+project.ID+"/form/review", map[string]any{
		"decision": "APPROVED",
		"remarks":  "well scoped",
	}, asActor(t, "coord-1", "coordinator"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("review form status %d: %s", res.StatusCode, string(data))
	}
	var review ReviewResponse
	if err := json.Unmarshal(data, &review); err != nil {
		t.Fatalf("unmarshal review: %v", err)
	}
	if review.Phase != "FORM_ACCEPTED" {
		t.Fatalf("expected FORM_ACCEPTED, got %s", review.Phase)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects/"+project.ID+"/proposal", map[string]any{
		"title": "Graph partitioning: pre-project",
	}, asActor(t, "stu-1", "student"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("submit proposal status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects/"+project.ID+"/proposal/assignment", map[string]any{
		"evaluator_a": "eva-1",
		"evaluator_b": "eva-2",
	}, asActor(t, "comm-1", "committee"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("assign status %d: %s", res.StatusCode, string(data))
	}
	var assignment domain.Assignment
	if err := json.Unmarshal(data, &assignment); err != nil {
		t.Fatalf("unmarshal assignment: %v", err)
	}

	for _, evaluator := range []string{"eva-1", "eva-2"} {
		res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/assignments/"+assignment.ID+"/decisions", map[string]any{
			"decision": "APPROVED",
			"remarks":  "feasible",
		}, asActor(t, evaluator, "evaluator"))
		if res.StatusCode != http.StatusOK {
			t.Fatalf("decision by %s status %d: %s", evaluator, res.StatusCode, string(data))
		}
	}
	if err := json.Unmarshal(data, &review); err != nil {
		t.Fatalf("unmarshal review: %v", err)
	}
	if review.Phase != "PREPROJECT_ACCEPTED" {
		t.Fatalf("expected PREPROJECT_ACCEPTED, got %s", review.Phase)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects/"+project.ID+"/finalize", nil, asActor(t, "coord-1", "coordinator"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("finalize status %d: %s", res.StatusCode, string(data))
	}
	var finalized ProjectResponse
	if err := json.Unmarshal(data, &finalized); err != nil {
		t.Fatalf("unmarshal project: %v", err)
	}
	if finalized.Phase != "FINALIZED" {
		t.Fatalf("expected FINALIZED, got %s", finalized.Phase)
	}
}

func TestErrorEnvelope(t *testing.T) {
	srv := newTestServer(t)
	client := srv.Client()
	project := submitTestForm(t, srv)

	// Wrong role: 403 forbidden.
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects/"+project.ID+"/form/review", map[string]any{
		"decision": "APPROVED",
	}, asActor(t, "stu-1", "student"))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d: %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	if envelope.Error.Code != "forbidden" {
		t.Fatalf("expected code forbidden, got %q", envelope.Error.Code)
	}

	// Illegal transition: 409.
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects/"+project.ID+"/finalize", nil, asActor(t, "coord-1", "coordinator"))
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", res.StatusCode, string(data))
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	if envelope.Error.Code != "illegal_transition" {
		t.Fatalf("expected code illegal_transition, got %q", envelope.Error.Code)
	}

	// Unknown project: 404.
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/projects/missing", nil, asActor(t, "stu-1", "student"))
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", res.StatusCode)
	}
}

func TestThirdRejectionOverHTTP(t *testing.T) {
	srv := newTestServer(t)
	client := srv.Client()
	project := submitTestForm(t, srv)

	coord := asActor(t, "coord-1", "coordinator")
	stu := asActor(t, "stu-1", "student")

	for i := 0; i < 2; i++ {
		res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects/"+project.ID+"/form/review", map[string]any{
			"decision": "REJECTED",
		}, coord)
		if res.StatusCode != http.StatusOK {
			t.Fatalf("reject %d status %d: %s", i+1, res.StatusCode, string(data))
		}
		res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects/"+project.ID+"/form/resubmit", map[string]any{}, stu)
		if res.StatusCode != http.StatusOK {
			t.Fatalf("resubmit %d status %d: %s", i+1, res.StatusCode, string(data))
		}
	}
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects/"+project.ID+"/form/review", map[string]any{
		"decision": "REJECTED",
	}, coord)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("third reject status %d: %s", res.StatusCode, string(data))
	}
	var review ReviewResponse
	if err := json.Unmarshal(data, &review); err != nil {
		t.Fatalf("unmarshal review: %v", err)
	}
	if review.Phase != "CANCELLED" || !review.Cancelled {
		t.Fatalf("expected cancelled project, got %+v", review)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects/"+project.ID+"/form/resubmit", map[string]any{}, stu)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 after cancellation, got %d: %s", res.StatusCode, string(data))
	}
}

func TestDoubleVoteConflictOverHTTP(t *testing.T) {
	srv := newTestServer(t)
	client := srv.Client()
	project := submitTestForm(t, srv)

	doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects/"+project.ID+"/form/review", map[string]any{"decision": "APPROVED"}, asActor(t, "coord-1", "coordinator"))
	doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects/"+project.ID+"/proposal", map[string]any{}, asActor(t, "stu-1", "student"))
	_, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects/"+project.ID+"/proposal/assignment", map[string]any{
		"evaluator_a": "eva-1",
		"evaluator_b": "eva-2",
	}, asActor(t, "comm-1", "committee"))
	var assignment domain.Assignment
	if err := json.Unmarshal(data, &assignment); err != nil {
		t.Fatalf("unmarshal assignment: %v", err)
	}

	eva := asActor(t, "eva-1", "evaluator")
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/assignments/"+assignment.ID+"/decisions", map[string]any{"decision": "APPROVED"}, eva)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("first vote status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/assignments/"+assignment.ID+"/decisions", map[string]any{"decision": "REJECTED"}, eva)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 for double vote, got %d: %s", res.StatusCode, string(data))
	}
}
