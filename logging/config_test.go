package logging

import "testing"

func TestConfigValidateRejectsUnknownSink(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config rejected: %v", err)
	}
	cfg.EnabledSinks = []string{"console", "syslog"}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected unknown sink to be rejected")
	}
	cfg.EnabledSinks = nil
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected empty sink list to be rejected")
	}
}

func TestParseSeverityDefaultsToInfo(t *testing.T) {
	cases := map[string]Severity{
		"debug": SeverityDebug,
		"warn":  SeverityWarn,
		"error": SeverityError,
		"":      SeverityInfo,
		"loud":  SeverityInfo,
	}
	for raw, want := range cases {
		if got := ParseSeverity(raw); got != want {
			t.Fatalf("ParseSeverity(%q) = %v, want %v", raw, got, want)
		}
	}
}
