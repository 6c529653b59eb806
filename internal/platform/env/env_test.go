package env

import (
	"testing"
	"time"
)

func TestStringBlankFallsBack(t *testing.T) {
	t.Setenv("VOUCH_TEST_STR", "  ")
	if got := String("VOUCH_TEST_STR", "fallback"); got != "fallback" {
		t.Fatalf("String() = %q, want fallback on blank value", got)
	}
	t.Setenv("VOUCH_TEST_STR", "value")
	if got := String("VOUCH_TEST_STR", "fallback"); got != "value" {
		t.Fatalf("String() = %q", got)
	}
}

func TestDuration(t *testing.T) {
	t.Setenv("VOUCH_TEST_DUR", "90s")
	got, err := Duration("VOUCH_TEST_DUR", time.Minute)
	if err != nil {
		t.Fatalf("Duration() err=%v", err)
	}
	if got != 90*time.Second {
		t.Fatalf("Duration() = %v", got)
	}

	t.Setenv("VOUCH_TEST_DUR", "soon")
	if _, err := Duration("VOUCH_TEST_DUR", time.Minute); err == nil {
		t.Fatal("Duration() accepted garbage")
	}

	t.Setenv("VOUCH_TEST_DUR", "")
	got, err = Duration("VOUCH_TEST_DUR", time.Minute)
	if err != nil || got != time.Minute {
		t.Fatalf("Duration() on blank = %v, %v, want default", got, err)
	}
}

func TestBool(t *testing.T) {
	t.Setenv("VOUCH_TEST_BOOL", "true")
	got, err := Bool("VOUCH_TEST_BOOL", false)
	if err != nil || !got {
		t.Fatalf("Bool() = %v, %v", got, err)
	}

	t.Setenv("VOUCH_TEST_BOOL", "certainly")
	if _, err := Bool("VOUCH_TEST_BOOL", false); err == nil {
		t.Fatal("Bool() accepted garbage")
	}
}

func TestInt(t *testing.T) {
	t.Setenv("VOUCH_TEST_INT", "42")
	got, err := Int("VOUCH_TEST_INT", 7)
	if err != nil || got != 42 {
		t.Fatalf("Int() = %d, %v", got, err)
	}

	t.Setenv("VOUCH_TEST_INT", "many")
	if _, err := Int("VOUCH_TEST_INT", 7); err == nil {
		t.Fatal("Int() accepted garbage")
	}
}
