package featureflags

import "testing"

func TestEnabled(t *testing.T) {
	t.Setenv("FLAG_AUTO_RESOLVE_DUPLICATES", "Yes")
	if !Enabled(AutoResolveDuplicates) {
		t.Fatalf("expected flag to be enabled")
	}
	t.Setenv("FLAG_AUTO_RESOLVE_DUPLICATES", "0")
	if Enabled(AutoResolveDuplicates) {
		t.Fatalf("expected flag to be disabled")
	}
}

func TestEnabledOrDefault(t *testing.T) {
	if !EnabledOr("never_set_in_tests", true) {
		t.Fatalf("expected default to apply for unset flag")
	}
	t.Setenv("FLAG_STRICT_EMAIL_INDEX", "off")
	if EnabledOr(StrictEmailIndex, true) {
		t.Fatalf("expected explicit value to override default")
	}
}
