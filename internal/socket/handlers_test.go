package socket

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

type rejectingGuard struct{}

func (rejectingGuard) ShouldAcceptConnection() (bool, string) { return false, "at max connections" }

func TestHandlerRejectsMissingUserID(t *testing.T) {
	h := NewHandler(NewHub(zerolog.Nop()), nil)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/ws", nil))
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestHandlerRejectsDuringShutdown(t *testing.T) {
	h := NewHandler(NewHub(zerolog.Nop()), nil)
	h.SetShuttingDown()

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/ws?user_id=u1", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}

func TestHandlerRejectsWhenGuardSaysNo(t *testing.T) {
	h := NewHandler(NewHub(zerolog.Nop()), rejectingGuard{})

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/ws?user_id=u1", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}

func TestClientIPPrefersForwardedFor(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	req.Header.Set("X-Forwarded-For", "10.1.2.3, 172.16.0.1")
	assert.Equal(t, "10.1.2.3", clientIP(req))

	req = httptest.NewRequest(http.MethodGet, "/ws", nil)
	req.RemoteAddr = "192.168.1.5:51234"
	assert.Equal(t, "192.168.1.5", clientIP(req))
}
