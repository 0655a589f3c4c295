package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
)

func TestStripHopByHop_RemovesConnectionHeaders(t *testing.T) {
	e := echo.New()
	e.Use(StripHopByHop())

	var got http.Header
	e.POST("/test", func(c echo.Context) error {
		got = c.Request().Header.Clone()
		return c.String(http.StatusOK, "ok")
	})

	req := httptest.NewRequest(http.MethodPost, "/test", strings.NewReader("x"))
	req.Header.Set("Connection", "keep-alive")
	req.Header.Set("Proxy-Authorization", "Basic abc")
	req.Header.Set("Upgrade", "h2c")
	req.Header.Set("Otoroshi-Claim", "a.b.c")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	for _, name := range []string{"Connection", "Proxy-Authorization", "Upgrade"} {
		if v := got.Get(name); v != "" {
			t.Errorf("%s should be stripped, got %q", name, v)
		}
	}
	if got.Get("Otoroshi-Claim") != "a.b.c" {
		t.Error("end-to-end header Otoroshi-Claim was stripped")
	}
}

func TestStripHopByHop_KeepsTransferEncodingField(t *testing.T) {
	e := echo.New()
	e.Use(StripHopByHop())

	var encodings []string
	e.POST("/test", func(c echo.Context) error {
		encodings = c.Request().TransferEncoding
		return c.NoContent(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodPost, "/test", strings.NewReader("x"))
	req.TransferEncoding = []string{"chunked"}
	req.Header.Set("Transfer-Encoding", "chunked")
	e.ServeHTTP(httptest.NewRecorder(), req)

	if len(encodings) != 1 || encodings[0] != "chunked" {
		t.Errorf("TransferEncoding = %v, want [chunked]", encodings)
	}
}
