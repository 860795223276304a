package utils

import (
	"testing"
	"time"
)

func TestEnvOrDefault(t *testing.T) {
	t.Setenv("CCN_TEST_STR", "hello")
	if got := EnvOrDefault("CCN_TEST_STR", "fallback"); got != "hello" {
		t.Fatalf("got %q want hello", got)
	}
	if got := EnvOrDefault("CCN_TEST_UNSET", "fallback"); got != "fallback" {
		t.Fatalf("got %q want fallback", got)
	}
	t.Setenv("CCN_TEST_EMPTY", "")
	if got := EnvOrDefault("CCN_TEST_EMPTY", "fallback"); got != "fallback" {
		t.Fatalf("empty value should fall back, got %q", got)
	}
}

func TestEnvOrDefaultInt(t *testing.T) {
	t.Setenv("CCN_TEST_INT", "42")
	if got := EnvOrDefaultInt("CCN_TEST_INT", 7); got != 42 {
		t.Fatalf("got %d want 42", got)
	}
	t.Setenv("CCN_TEST_BADINT", "not-a-number")
	if got := EnvOrDefaultInt("CCN_TEST_BADINT", 7); got != 7 {
		t.Fatalf("unparsable value should fall back, got %d", got)
	}
}

func TestEnvOrDefaultDuration(t *testing.T) {
	t.Setenv("CCN_TEST_DUR", "90s")
	if got := EnvOrDefaultDuration("CCN_TEST_DUR", time.Minute); got != 90*time.Second {
		t.Fatalf("got %v want 90s", got)
	}
	if got := EnvOrDefaultDuration("CCN_TEST_DUR_UNSET", time.Minute); got != time.Minute {
		t.Fatalf("got %v want 1m", got)
	}
}

func TestWrap(t *testing.T) {
	if Wrap(nil, "ctx") != nil {
		t.Fatalf("wrap of nil must be nil")
	}
}
