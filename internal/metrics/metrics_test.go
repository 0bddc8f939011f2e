package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestRegisterServesCollectors(t *testing.T) {
	SessionsTotal.WithLabelValues("forward", "ok").Inc()

	mux := http.NewServeMux()
	Register(mux)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(body), `rdnat_sessions_total{mode="forward",result="ok"}`) {
		t.Fatalf("metric missing from output:\n%s", body)
	}
}
