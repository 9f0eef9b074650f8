package errtax

import (
	"errors"
	"fmt"
	"testing"
)

func TestRetryable(t *testing.T) {
	cases := []struct {
		typ  Type
		want bool
	}{
		{RateLimit, true},
		{Timeout, true},
		{Network, true},
		{API, true},
		{InvalidRequest, false},
		{Authentication, false},
		{NotFound, false},
		{Internal, false},
	}
	for _, c := range cases {
		if got := c.typ.Retryable(); got != c.want {
			t.Errorf("%s.Retryable() = %v, want %v", c.typ, got, c.want)
		}
	}
}

func TestClassifyStatus(t *testing.T) {
	cases := []struct {
		status int
		want   Type
	}{
		{401, Authentication},
		{403, Authentication},
		{404, NotFound},
		{429, RateLimit},
		{400, InvalidRequest},
		{500, API},
		{503, API},
		{200, Internal},
	}
	for _, c := range cases {
		if got := ClassifyStatus(c.status); got != c.want {
			t.Errorf("ClassifyStatus(%d) = %s, want %s", c.status, got, c.want)
		}
	}
}

func TestClassifyPrefersWrappedType(t *testing.T) {
	cause := errors.New("socket closed")
	wrapped := New(NotFound, "node missing", cause)
	if got := Classify(wrapped); got != NotFound {
		t.Fatalf("Classify(wrapped) = %s, want %s", got, NotFound)
	}
}

func TestClassifyStringFallback(t *testing.T) {
	cases := []struct {
		msg  string
		want Type
	}{
		{"request timed out after 30s", Timeout},
		{"429 too many requests", RateLimit},
		{"401 unauthorized", Authentication},
		{"node not found", NotFound},
		{"dial tcp: connection refused", Network},
		{"invalid argument: bad request", InvalidRequest},
		{"upstream returned 503", API},
		{"something unexpected happened", Internal},
	}
	for _, c := range cases {
		if got := Classify(errors.New(c.msg)); got != c.want {
			t.Errorf("Classify(%q) = %s, want %s", c.msg, got, c.want)
		}
	}
}

func TestErrorUnwrap(t *testing.T) {
	cause := errors.New("boom")
	err := New(API, "request failed", cause)
	if !errors.Is(err, cause) {
		t.Fatal("expected errors.Is to find the wrapped cause")
	}
	if err.Error() != fmt.Sprintf("request failed: %s", cause) {
		t.Fatalf("unexpected Error() text: %q", err.Error())
	}
}

func TestAs(t *testing.T) {
	wrapped := fmt.Errorf("context: %w", New(Timeout, "slow", nil))
	taxErr, ok := As(wrapped)
	if !ok {
		t.Fatal("expected As to find the wrapped *Error")
	}
	if taxErr.ErrType != Timeout {
		t.Fatalf("ErrType = %s, want %s", taxErr.ErrType, Timeout)
	}
}
