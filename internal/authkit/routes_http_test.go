package authkit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"google.golang.org/api/idtoken"
)

type authTestServer struct {
	server      *httptest.Server
	client      *http.Client
	environment *managerTestEnvironment
	metrics     *CounterMetrics
}

func newAuthTestServer(t *testing.T, googleValidator GoogleTokenValidator) *authTestServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	environment := newManagerTestEnvironment(t)
	// The client cookie jar drops cookies whose Expires is already in the
	// past, so the clock must track real time here.
	environment.clock.current = time.Now().UTC()
	environment.configuration.AllowInsecureHTTP = false
	environment.configuration.GoogleWebClientID = "test-client-id"
	metrics := NewCounterMetrics()
	nonces := NewMemoryNonceStore(5*time.Minute, environment.clock)

	router := gin.New()
	MountAuthRoutes(router, environment.configuration, environment.manager, googleValidator, nonces, zap.NewNop(), metrics)
	protected := router.Group("/api")
	protected.Use(RequireSession(environment.configuration, environment.manager, metrics))
	protected.GET("/me", func(contextGin *gin.Context) {
		profile, _ := CurrentProfile(contextGin)
		contextGin.JSON(http.StatusOK, gin.H{"user": profile})
	})

	server := httptest.NewTLSServer(router)
	t.Cleanup(server.Close)

	jar, jarErr := cookiejar.New(nil)
	if jarErr != nil {
		t.Fatalf("unexpected cookie jar error: %v", jarErr)
	}
	client := server.Client()
	client.Jar = jar

	return &authTestServer{
		server:      server,
		client:      client,
		environment: environment,
		metrics:     metrics,
	}
}

func (testServer *authTestServer) postJSON(t *testing.T, path string, payload interface{}) (*http.Response, []byte) {
	t.Helper()
	encoded, encodeErr := json.Marshal(payload)
	if encodeErr != nil {
		t.Fatalf("unexpected encode error: %v", encodeErr)
	}
	response, requestErr := testServer.client.Post(testServer.server.URL+path, "application/json", bytes.NewReader(encoded))
	if requestErr != nil {
		t.Fatalf("unexpected request error: %v", requestErr)
	}
	body, readErr := io.ReadAll(response.Body)
	response.Body.Close()
	if readErr != nil {
		t.Fatalf("unexpected body read error: %v", readErr)
	}
	return response, body
}

func (testServer *authTestServer) get(t *testing.T, path string) (*http.Response, []byte) {
	t.Helper()
	response, requestErr := testServer.client.Get(testServer.server.URL + path)
	if requestErr != nil {
		t.Fatalf("unexpected request error: %v", requestErr)
	}
	body, readErr := io.ReadAll(response.Body)
	response.Body.Close()
	if readErr != nil {
		t.Fatalf("unexpected body read error: %v", readErr)
	}
	return response, body
}

func registrationPayload() map[string]string {
	return map[string]string{
		"first_name": "Alice",
		"last_name":  "Smith",
		"username":   "alice",
		"email":      "alice@example.com",
		"password":   "correct horse",
	}
}

func TestAuthLifecycleOverHTTPS(t *testing.T) {
	t.Parallel()

	testServer := newAuthTestServer(t, nil)

	response, body := testServer.postJSON(t, "/auth/register", registrationPayload())
	if response.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201 from register, got %d body %s", response.StatusCode, body)
	}
	if !bytes.Contains(body, []byte(`"username":"alice"`)) {
		t.Fatalf("expected the profile in the register body, got %s", body)
	}

	response, body = testServer.get(t, "/api/me")
	if response.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 from the protected route, got %d body %s", response.StatusCode, body)
	}

	response, body = testServer.postJSON(t, "/auth/refresh", map[string]string{})
	if response.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204 from refresh, got %d body %s", response.StatusCode, body)
	}

	response, body = testServer.postJSON(t, "/auth/logout", map[string]string{})
	if response.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204 from logout, got %d body %s", response.StatusCode, body)
	}

	response, body = testServer.postJSON(t, "/auth/refresh", map[string]string{})
	if response.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected refresh after logout to be refused, got %d body %s", response.StatusCode, body)
	}
}

func TestLoginEndpointHidesAccountExistence(t *testing.T) {
	t.Parallel()

	testServer := newAuthTestServer(t, nil)
	testServer.postJSON(t, "/auth/register", registrationPayload())
	testServer.postJSON(t, "/auth/logout", map[string]string{})

	_, unknownBody := testServer.postJSON(t, "/auth/login", map[string]string{
		"email":    "nobody@example.com",
		"password": "whatever",
	})
	wrongPasswordResponse, wrongPasswordBody := testServer.postJSON(t, "/auth/login", map[string]string{
		"email":    "alice@example.com",
		"password": "wrong horse",
	})
	if wrongPasswordResponse.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for a wrong password, got %d", wrongPasswordResponse.StatusCode)
	}
	if !bytes.Equal(unknownBody, wrongPasswordBody) {
		t.Fatalf("expected identical bodies for unknown email and wrong password, got %s vs %s", unknownBody, wrongPasswordBody)
	}
	if !bytes.Contains(wrongPasswordBody, []byte("invalid_credentials")) {
		t.Fatalf("expected the generic credentials code, got %s", wrongPasswordBody)
	}
}

func TestRegisterEndpointDuplicateEmailConflicts(t *testing.T) {
	t.Parallel()

	testServer := newAuthTestServer(t, nil)
	testServer.postJSON(t, "/auth/register", registrationPayload())

	duplicate := registrationPayload()
	duplicate["username"] = "other"
	response, body := testServer.postJSON(t, "/auth/register", duplicate)
	if response.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 for a duplicate email, got %d body %s", response.StatusCode, body)
	}
}

func TestRegisterEndpointRejectsMissingFields(t *testing.T) {
	t.Parallel()

	testServer := newAuthTestServer(t, nil)
	response, body := testServer.postJSON(t, "/auth/register", map[string]string{
		"email": "alice@example.com",
	})
	if response.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing fields, got %d body %s", response.StatusCode, body)
	}
}

func TestLogoutEndpointWithoutCookie(t *testing.T) {
	t.Parallel()

	testServer := newAuthTestServer(t, nil)
	response, body := testServer.postJSON(t, "/auth/logout", map[string]string{})
	if response.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 without a refresh cookie, got %d body %s", response.StatusCode, body)
	}
	if !bytes.Contains(body, []byte("session.missing_refresh_token")) {
		t.Fatalf("expected the missing-token code, got %s", body)
	}
}

func TestRefreshEndpointSetsRenewedAccessCookie(t *testing.T) {
	t.Parallel()

	testServer := newAuthTestServer(t, nil)
	testServer.postJSON(t, "/auth/register", registrationPayload())

	encoded, _ := json.Marshal(map[string]string{})
	request, requestErr := http.NewRequest(http.MethodPost, testServer.server.URL+"/auth/refresh", bytes.NewReader(encoded))
	if requestErr != nil {
		t.Fatalf("unexpected request build error: %v", requestErr)
	}
	response, doErr := testServer.client.Do(request)
	if doErr != nil {
		t.Fatalf("unexpected request error: %v", doErr)
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204 from refresh, got %d", response.StatusCode)
	}
	var renewed *http.Cookie
	for _, cookie := range response.Cookies() {
		if cookie.Name == "app_access" {
			renewed = cookie
		}
	}
	if renewed == nil {
		t.Fatalf("expected a renewed access cookie on the refresh response")
	}
	if !renewed.HttpOnly || !renewed.Secure || renewed.Path != "/" {
		t.Fatalf("expected an http-only secure root-path cookie, got %+v", renewed)
	}
	if _, verifyErr := testServer.environment.codec.Verify(renewed.Value, TokenClassAccess); verifyErr != nil {
		t.Fatalf("expected the renewed access token to verify: %v", verifyErr)
	}
}

type stubGoogleValidator struct {
	payloads map[string]*idtoken.Payload
}

func (validator *stubGoogleValidator) Validate(ctx context.Context, token string, audience string) (*idtoken.Payload, error) {
	payload, found := validator.payloads[token]
	if !found {
		return nil, errors.New("token rejected")
	}
	return payload, nil
}

func verifiedGooglePayload(subject string, email string) *idtoken.Payload {
	return &idtoken.Payload{
		Issuer:   "https://accounts.google.com",
		Subject:  subject,
		Audience: "test-client-id",
		Claims: map[string]interface{}{
			"iss":            "https://accounts.google.com",
			"sub":            subject,
			"email":          email,
			"email_verified": true,
			"given_name":     "Carol",
			"family_name":    "Baker",
		},
	}
}

func TestGoogleExchangeLifecycle(t *testing.T) {
	t.Parallel()

	validator := &stubGoogleValidator{payloads: map[string]*idtoken.Payload{
		"good-google-token": verifiedGooglePayload("google-sub-9", "carol@example.com"),
	}}
	testServer := newAuthTestServer(t, validator)

	response, body := testServer.postJSON(t, "/auth/google/nonce", map[string]string{})
	if response.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 from nonce issue, got %d body %s", response.StatusCode, body)
	}
	var nonceEnvelope struct {
		Nonce string `json:"nonce"`
	}
	if decodeErr := json.Unmarshal(body, &nonceEnvelope); decodeErr != nil || nonceEnvelope.Nonce == "" {
		t.Fatalf("expected a nonce in the body, got %s", body)
	}

	response, body = testServer.postJSON(t, "/auth/google", map[string]string{
		"google_id_token": "good-google-token",
		"nonce":           nonceEnvelope.Nonce,
	})
	if response.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 from the google exchange, got %d body %s", response.StatusCode, body)
	}
	if !bytes.Contains(body, []byte(`"username":"carol"`)) {
		t.Fatalf("expected the derived username in the body, got %s", body)
	}

	response, body = testServer.get(t, "/api/me")
	if response.StatusCode != http.StatusOK {
		t.Fatalf("expected the exchange cookies to pass the gate, got %d body %s", response.StatusCode, body)
	}

	response, body = testServer.postJSON(t, "/auth/google", map[string]string{
		"google_id_token": "good-google-token",
		"nonce":           nonceEnvelope.Nonce,
	})
	if response.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected a replayed nonce to be refused, got %d body %s", response.StatusCode, body)
	}
	if !bytes.Contains(body, []byte("invalid_nonce")) {
		t.Fatalf("expected the nonce code, got %s", body)
	}
}

func TestGoogleExchangeRejectsInvalidToken(t *testing.T) {
	t.Parallel()

	validator := &stubGoogleValidator{payloads: map[string]*idtoken.Payload{}}
	testServer := newAuthTestServer(t, validator)

	response, body := testServer.postJSON(t, "/auth/google", map[string]string{
		"google_id_token": "forged-token",
	})
	if response.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for a rejected token, got %d body %s", response.StatusCode, body)
	}
	if !bytes.Contains(body, []byte("invalid_google_token")) {
		t.Fatalf("expected the google token code, got %s", body)
	}
}
