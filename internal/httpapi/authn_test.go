package httpapi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"famsave.org/internal/apperr"
	"famsave.org/internal/auth"
	"famsave.org/internal/session"
)

func TestExtractBearerToken(t *testing.T) {
	cases := []struct {
		header string
		want   string
		ok     bool
	}{
		{"Bearer abc.def.ghi", "abc.def.ghi", true},
		{"bearer   abc", "abc", true},
		{"", "", false},
		{"Bearer ", "", false},
		{"Basic dXNlcjpwYXNz", "", false},
		{"Bear", "", false},
	}
	for _, tc := range cases {
		got, err := extractBearerToken(tc.header)
		if tc.ok {
			if err != nil || got != tc.want {
				t.Fatalf("%q: got %q, %v", tc.header, got, err)
			}
			continue
		}
		if apperr.KindOf(err) != apperr.TokenInvalid {
			t.Fatalf("%q: expected token_invalid, got %v", tc.header, err)
		}
	}
}

func TestRequireAuthAttachesAccountOnly(t *testing.T) {
	sess := newTestSession(t)
	res, err := sess.Register(context.Background(), session.RegisterInput{
		FullName: "Alice Wanjiru",
		Email:    "a@b.com",
		Password: "longenough1",
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	api := New(sess, ReadyProbe{}, "test")

	var seen string
	h := api.requireAuth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = auth.AccountIDFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodGet, "/v1/accounts/me", nil)
	req.Header.Set("Authorization", "Bearer "+res.Tokens.AccessToken)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent || seen != res.Profile.ID {
		t.Fatalf("status=%d account=%q, want %q", rec.Code, seen, res.Profile.ID)
	}

	req = httptest.NewRequest(http.MethodGet, "/v1/accounts/me", nil)
	req.Header.Set("Authorization", "Bearer "+res.Tokens.RefreshToken)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("refresh token as bearer: status=%d", rec.Code)
	}
}
