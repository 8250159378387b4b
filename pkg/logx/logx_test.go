package logx

import "testing"

func TestZeroLoggerIsSafe(t *testing.T) {
	t.Parallel()
	var l Logger
	if !l.IsZero() {
		t.Fatal("zero logger should report IsZero")
	}
	// Must not panic.
	l.With(String("comp", "test")).Info("hello", Int("n", 1))
	if Nop().IsZero() {
		t.Fatal("Nop logger should not be zero")
	}
}

func TestFormatOperatorLine(t *testing.T) {
	t.Parallel()
	got := formatOperatorLine([]byte(`{"level":"warn","message":"flush failed","comp":"pending","time":"x","z":1,"channel":"telegram"}`))
	want := "[WARN] pending: flush failed\n- channel=telegram\n- z=1"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}

	raw := formatOperatorLine([]byte("  not json  "))
	if raw != "not json" {
		t.Fatalf("raw line = %q", raw)
	}
}

func TestParseLevelDefaults(t *testing.T) {
	t.Parallel()
	if parseLevel("warning", LevelInfo) != LevelWarn {
		t.Fatal("warning should map to warn")
	}
	if parseLevel("bogus", LevelError) != LevelError {
		t.Fatal("unknown level should fall back to default")
	}
}

func TestMaskTail(t *testing.T) {
	t.Parallel()
	cases := map[string]string{
		"":              "",
		"42":            "42",
		"501":           "501",
		"96170123456":   "********456",
		" 96170123456 ": "********456",
	}
	for in, want := range cases {
		if got := maskTail(in, 3); got != want {
			t.Fatalf("maskTail(%q) = %q, want %q", in, got, want)
		}
	}
}
