// Package apitest wires the HTTP router the way the binaries do, for handler
// tests.
package apitest

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"smallbiznis-billing/pkg/authz"
	"smallbiznis-billing/pkg/config"
	"smallbiznis-billing/pkg/httpapi"
	"smallbiznis-billing/pkg/middleware"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
)

const Secret = "test-secret-0123456789abcdefghijklmnopqrstuv"

type API struct {
	t        *testing.T
	Router   *httpapi.Router
	Verifier *middleware.TokenVerifier
}

func New(t *testing.T) *API {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := config.Defaults()
	cfg.Auth.JWTSecret = Secret
	verifier, err := middleware.NewTokenVerifier(cfg)
	require.NoError(t, err)

	enforcer, err := authz.NewDefaultEnforcer()
	require.NoError(t, err)

	engine := gin.New()
	engine.Use(middleware.Error())

	return &API{t: t, Router: httpapi.BuildRouter(engine, verifier, enforcer), Verifier: verifier}
}

func (a *API) Token(userID, role string) string {
	a.t.Helper()
	tok, err := a.Verifier.Sign(middleware.Identity{UserID: userID, Role: role}, time.Hour)
	require.NoError(a.t, err)
	return tok
}

// Do performs a request. token may be empty; body is JSON encoded unless it
// is already a []byte.
func (a *API) Do(method, path, token string, body any, headers ...map[string]string) *httptest.ResponseRecorder {
	a.t.Helper()

	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case []byte:
		reader = bytes.NewReader(b)
	default:
		raw, err := json.Marshal(b)
		require.NoError(a.t, err)
		reader = bytes.NewReader(raw)
	}

	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for _, h := range headers {
		for k, v := range h {
			req.Header.Set(k, v)
		}
	}

	rec := httptest.NewRecorder()
	a.Router.Engine.ServeHTTP(rec, req)
	return rec
}

// Decode unmarshals a recorded JSON body.
func Decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

