package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/loykin/recfleet/internal/credentials"
	"github.com/loykin/recfleet/internal/rule"
	"github.com/loykin/recfleet/internal/store"
	"github.com/loykin/recfleet/internal/target"
)

func setupRouter(t *testing.T) (http.Handler, *target.StaticClient) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	platform := target.NewStaticClient(nil)
	r := NewRouter(
		rule.NewRegistry(store.NewMemory(), nil),
		credentials.NewResolver(store.NewMemory(), nil),
		platform,
		nil,
	)
	return r.Handler(), platform
}

func doReq(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		rdr = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rdr)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func demoRule() rule.Rule {
	return rule.Rule{
		Name:            "demo",
		MatchExpression: `target.alias == "demo.Main"`,
		EventSpecifier:  "template=Continuous,type=TARGET",
	}
}

func TestRuleCRUD(t *testing.T) {
	h, _ := setupRouter(t)

	rec := doReq(t, h, http.MethodPost, "/rules", demoRule())
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = doReq(t, h, http.MethodGet, "/rules/demo", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var got rule.Rule
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Equal(t, "demo", got.Name)

	rec = doReq(t, h, http.MethodGet, "/rules", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list []rule.Rule
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list, 1)

	rec = doReq(t, h, http.MethodDelete, "/rules/demo", nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = doReq(t, h, http.MethodGet, "/rules/demo", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCreateRuleValidation(t *testing.T) {
	h, _ := setupRouter(t)

	bad := demoRule()
	bad.MatchExpression = "target.alias =="
	rec := doReq(t, h, http.MethodPost, "/rules", bad)
	require.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())

	rec = doReq(t, h, http.MethodPost, "/rules", demoRule())
	require.Equal(t, http.StatusCreated, rec.Code)
	rec = doReq(t, h, http.MethodPost, "/rules", demoRule())
	require.Equal(t, http.StatusConflict, rec.Code, rec.Body.String())
}

func TestDeleteUnknownRule(t *testing.T) {
	h, _ := setupRouter(t)
	rec := doReq(t, h, http.MethodDelete, "/rules/ghost", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCredentialLifecycle(t *testing.T) {
	h, platform := setupRouter(t)
	require.NoError(t, platform.Appear(target.ServiceRef{ConnectURI: "jmx://demo:9091", Alias: "demo.Main"}))
	require.NoError(t, platform.Appear(target.ServiceRef{ConnectURI: "jmx://other:9091", Alias: "other.Main"}))

	rec := doReq(t, h, http.MethodPost, "/credentials", map[string]string{
		"matchExpression": `target.alias == "demo.Main"`,
		"username":        "admin",
		"password":        "hunter2",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var created struct {
		ID int64 `json:"id"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))

	// list redacts passwords
	rec = doReq(t, h, http.MethodGet, "/credentials", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotContains(t, rec.Body.String(), "hunter2")
	require.Contains(t, rec.Body.String(), "admin")

	// inverse resolution: which targets does this credential match
	path := fmt.Sprintf("/credentials/%d", created.ID)
	rec = doReq(t, h, http.MethodGet, path, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var refs []target.ServiceRef
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &refs))
	require.Len(t, refs, 1)
	require.Equal(t, "demo.Main", refs[0].Alias)

	rec = doReq(t, h, http.MethodDelete, path, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)
	rec = doReq(t, h, http.MethodDelete, path, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCredentialValidation(t *testing.T) {
	h, _ := setupRouter(t)
	rec := doReq(t, h, http.MethodPost, "/credentials", map[string]string{
		"matchExpression": `target.alias == "x"`,
		"username":        "   ",
		"password":        "p",
	})
	require.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())

	rec = doReq(t, h, http.MethodGet, "/credentials/notanumber", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doReq(t, h, http.MethodGet, "/credentials/99", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListTargets(t *testing.T) {
	h, platform := setupRouter(t)

	rec := doReq(t, h, http.MethodGet, "/targets", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, "[]", rec.Body.String())

	require.NoError(t, platform.Appear(target.ServiceRef{ConnectURI: "jmx://demo:9091", Alias: "demo.Main"}))
	rec = doReq(t, h, http.MethodGet, "/targets", nil)
	var refs []target.ServiceRef
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &refs))
	require.Len(t, refs, 1)
}

func TestTasksWithoutProcessor(t *testing.T) {
	h, _ := setupRouter(t)
	rec := doReq(t, h, http.MethodGet, "/tasks", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, "{}", rec.Body.String())
}
