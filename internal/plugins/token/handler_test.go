package token

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/humanitarian-id/hid-auth/internal/bewit"
)

func signRequestContext(t *testing.T, body string) (echo.Context, *httptest.ResponseRecorder) {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/signrequest", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	return e.NewContext(req, rec), rec
}

func TestSignRequest_ReturnsBareBewit(t *testing.T) {
	signer := bewit.NewSigner("hid", "a-very-secret-signing-key")
	h := NewHandler(nil, nil, signer)

	c, rec := signRequestContext(t, `{"url":"https://files.example.com/doc.pdf"}`)
	if err := h.SignRequest(c); err != nil {
		t.Fatalf("signrequest: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var resp map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	bw, ok := resp["bewit"]
	if !ok || bw == "" {
		t.Fatalf("expected a bewit field, got %v", resp)
	}
	if strings.Contains(bw, "://") {
		t.Errorf("expected the bare token, got a URL: %s", bw)
	}

	// The token the API hands out must authorize the submitted resource.
	withToken := "https://files.example.com/doc.pdf?bewit=" + url.QueryEscape(bw)
	if err := signer.Verify(withToken); err != nil {
		t.Errorf("returned bewit does not verify: %v", err)
	}
}

func TestSignRequest_MissingURL(t *testing.T) {
	h := NewHandler(nil, nil, bewit.NewSigner("hid", "a-very-secret-signing-key"))

	c, _ := signRequestContext(t, `{}`)
	err := h.SignRequest(c)
	assertAppError(t, err, 400)
}
