package oauth

import (
	"errors"
	"fmt"
	"testing"
)

func TestAsErrorKeepsProtocolErrors(t *testing.T) {
	original := NewError(InvalidScope, "bad scope").WithState("xyz")
	wrapped := fmt.Errorf("validate: %w", original)

	got := AsError(wrapped)
	if got.Code != InvalidScope {
		t.Fatalf("code mismatch: %q", got.Code)
	}
	if got.State != "xyz" {
		t.Fatalf("state lost: %q", got.State)
	}
}

func TestAsErrorHidesInternalCause(t *testing.T) {
	cause := errors.New("redis: connection refused")
	got := AsError(cause)
	if got.Code != ServerError {
		t.Fatalf("expected server_error, got %q", got.Code)
	}
	if got.Description == cause.Error() {
		t.Fatalf("internal cause leaked into description")
	}
	if !errors.Is(got, cause) {
		t.Fatalf("expected cause to be preserved for logging")
	}
	if _, ok := got.Parameters()["state"]; ok {
		t.Fatalf("state should be absent when unknown")
	}
}

func TestErrorParameters(t *testing.T) {
	params := NewError(LoginRequired, "").WithState("s1").Parameters()
	if params["error"] != "login_required" || params["state"] != "s1" {
		t.Fatalf("unexpected parameters: %v", params)
	}
	if _, ok := params["error_description"]; ok {
		t.Fatalf("empty description should be omitted")
	}
}

func TestIsCode(t *testing.T) {
	err := fmt.Errorf("wrap: %w", NewError(ConsentRequired, "x"))
	if !IsCode(err, ConsentRequired) {
		t.Fatalf("expected consent_required")
	}
	if IsCode(errors.New("plain"), ConsentRequired) {
		t.Fatalf("plain errors carry no code")
	}
}

func TestSortedList(t *testing.T) {
	if got := SortedList("token  id_token code"); got != "code id_token token" {
		t.Fatalf("unexpected canonical form %q", got)
	}
	if got := SortedList(""); got != "" {
		t.Fatalf("expected empty result, got %q", got)
	}
}

func TestIntersect(t *testing.T) {
	got := Intersect([]string{"openid", "email", "profile"}, []string{"profile", "openid"})
	if JoinList(got) != "openid profile" {
		t.Fatalf("unexpected intersection %v", got)
	}
}
