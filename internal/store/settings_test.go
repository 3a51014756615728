package store

import (
	"errors"
	"testing"
)

func validSettingsMap() map[string]string {
	return map[string]string{
		"max_unpaid_allowed": "3",
		"max_retries":        "5",
		"retry_gap_days":     "2",
		"default_currency":   "EUR",
	}
}

func TestParseSettings(t *testing.T) {
	s, err := ParseSettings(validSettingsMap())
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if s.MaxUnpaidAllowed != 3 || s.MaxRetries != 5 || s.RetryGapDays != 2 || s.DefaultCurrency != "EUR" {
		t.Fatalf("unexpected settings: %+v", s)
	}
}

func TestParseSettings_MissingKeyIsConfigurationError(t *testing.T) {
	for _, key := range []string{"max_unpaid_allowed", "max_retries", "retry_gap_days", "default_currency"} {
		t.Run(key, func(t *testing.T) {
			values := validSettingsMap()
			delete(values, key)
			if _, err := ParseSettings(values); !errors.Is(err, ErrSettingMissing) {
				t.Fatalf("expected ErrSettingMissing for %s, got %v", key, err)
			}
		})
	}
}

func TestParseSettings_RejectsNonInteger(t *testing.T) {
	values := validSettingsMap()
	values["max_retries"] = "five"
	if _, err := ParseSettings(values); err == nil {
		t.Fatal("expected an error for a non-integer value")
	}
}

func TestParseSettings_TrimsWhitespace(t *testing.T) {
	values := validSettingsMap()
	values["retry_gap_days"] = " 4 "
	values["default_currency"] = " GBP "
	s, err := ParseSettings(values)
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if s.RetryGapDays != 4 || s.DefaultCurrency != "GBP" {
		t.Fatalf("unexpected settings: %+v", s)
	}
}
