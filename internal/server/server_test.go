package server

import (
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"tapedeck/internal/paths"
	"tapedeck/internal/status"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	dataDir := t.TempDir()
	roots := paths.Roots{
		Config:    filepath.Join(dataDir, "config"),
		Data:      dataDir,
		Downloads: filepath.Join(dataDir, "downloads"),
		Tokens:    filepath.Join(dataDir, "tokens"),
	}
	for _, dir := range []string{roots.Config, roots.Downloads, roots.Tokens} {
		os.MkdirAll(dir, 0o755)
	}
	return &Server{
		Roots:  roots,
		Layout: roots.NewLayout(),
		Status: status.NewPublisher(),
		Logger: logger,
	}
}

func TestCheckCredentialsPlain(t *testing.T) {
	s := newTestServer(t)
	s.BasicAuthUser = "admin"
	s.BasicAuthPass = "secret"

	tests := []struct {
		user, pass string
		want       bool
	}{
		{"admin", "secret", true},
		{"admin", "wrong", false},
		{"other", "secret", false},
		{"", "", false},
	}
	for _, tt := range tests {
		if got := s.checkCredentials(tt.user, tt.pass); got != tt.want {
			t.Errorf("checkCredentials(%q, %q) = %v, want %v", tt.user, tt.pass, got, tt.want)
		}
	}
}

func TestCheckCredentialsBcrypt(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("hunter2"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt: %v", err)
	}
	s := newTestServer(t)
	s.BasicAuthUser = "admin"
	s.BasicAuthPass = string(hash)

	if !s.checkCredentials("admin", "hunter2") {
		t.Error("bcrypt-hashed password rejected")
	}
	if s.checkCredentials("admin", "hunter3") {
		t.Error("wrong password accepted against bcrypt hash")
	}
}

func TestBasicAuthMiddlewareDisabledWithoutEnv(t *testing.T) {
	s := newTestServer(t)
	// No credentials configured: requests pass straight through.
	req := httptest.NewRequest("GET", "/api/status", nil)
	rec := httptest.NewRecorder()
	s.Routes().ServeHTTP(rec, req)
	if rec.Code != 200 {
		t.Fatalf("status without auth = %d", rec.Code)
	}
}

func TestBasicAuthMiddlewareEnforced(t *testing.T) {
	s := newTestServer(t)
	s.BasicAuthUser = "admin"
	s.BasicAuthPass = "secret"

	req := httptest.NewRequest("GET", "/api/status", nil)
	rec := httptest.NewRecorder()
	s.Routes().ServeHTTP(rec, req)
	if rec.Code != 401 {
		t.Fatalf("unauthenticated = %d, want 401", rec.Code)
	}

	req = httptest.NewRequest("GET", "/api/status", nil)
	req.SetBasicAuth("admin", "secret")
	rec = httptest.NewRecorder()
	s.Routes().ServeHTTP(rec, req)
	if rec.Code != 200 {
		t.Fatalf("authenticated = %d, want 200", rec.Code)
	}
}

func TestClientAddrProxyTrust(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = "10.0.0.1:1234"
	req.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")

	// Proxy headers are ignored unless trust is opted in.
	if got := s.clientAddr(req); got != "10.0.0.1" {
		t.Errorf("untrusted addr = %q", got)
	}
	s.TrustProxy = true
	if got := s.clientAddr(req); got != "203.0.113.7" {
		t.Errorf("trusted addr = %q", got)
	}
}

func TestBrowseRejectsEscapes(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest("GET", "/api/browse?root=downloads&path=../../etc", nil)
	rec := httptest.NewRecorder()
	s.Routes().ServeHTTP(rec, req)
	if rec.Code != 400 {
		t.Fatalf("escape attempt = %d, want 400", rec.Code)
	}

	req = httptest.NewRequest("GET", "/api/browse?root=library", nil)
	rec = httptest.NewRecorder()
	s.Routes().ServeHTTP(rec, req)
	if rec.Code != 400 {
		t.Fatalf("unknown root = %d, want 400", rec.Code)
	}
}

func TestTailLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.log")
	var lines []string
	for i := 0; i < 10; i++ {
		lines = append(lines, strings.Repeat("x", 3)+"-"+string(rune('0'+i)))
	}
	os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o644)

	got, err := tailLines(path, 3, 1024*1024)
	if err != nil {
		t.Fatalf("tailLines: %v", err)
	}
	want := "xxx-7\nxxx-8\nxxx-9\n"
	if got != want {
		t.Fatalf("tail = %q, want %q", got, want)
	}

	// Asking for more lines than exist returns everything.
	got, _ = tailLines(path, 100, 1024*1024)
	if len(strings.Split(strings.TrimRight(got, "\n"), "\n")) != 10 {
		t.Fatalf("full tail = %q", got)
	}
}

func TestParseDate(t *testing.T) {
	if _, ok := parseDate("", false); ok {
		t.Error("empty date parsed")
	}
	from, ok := parseDate("2024-03-15", false)
	if !ok || from.Hour() != 0 {
		t.Errorf("date_from = %v %v", from, ok)
	}
	to, ok := parseDate("2024-03-15", true)
	if !ok || to.Hour() != 23 {
		t.Errorf("date_to = %v %v", to, ok)
	}
	if _, ok := parseDate("not-a-date", false); ok {
		t.Error("garbage date parsed")
	}
}
