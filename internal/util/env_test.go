package util

import "testing"

func TestBoolEnv(t *testing.T) {
	tests := []struct {
		name  string
		value string
		def   bool
		want  bool
	}{
		{"empty uses default true", "", true, true},
		{"empty uses default false", "", false, false},
		{"true", "true", false, true},
		{"short t", "t", false, true},
		{"one", "1", false, true},
		{"yes mixed case", "Yes", false, true},
		{"on with spaces", " on ", false, true},
		{"false", "false", true, false},
		{"zero", "0", true, false},
		{"off", "off", true, false},
		{"no", "No", true, false},
		{"garbage uses default", "banana", true, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			const key = "FUNNELPIPE_TEST_BOOL"
			t.Setenv(key, tt.value)

			if got := BoolEnv(key, tt.def); got != tt.want {
				t.Errorf("BoolEnv(%q, %v) = %v; want %v", tt.value, tt.def, got, tt.want)
			}
		})
	}
}

func TestBoolEnvUnset(t *testing.T) {
	if got := BoolEnv("FUNNELPIPE_TEST_BOOL_MISSING", true); !got {
		t.Error("BoolEnv on unset variable should return the default")
	}
	if got := BoolEnv("FUNNELPIPE_TEST_BOOL_MISSING", false); got {
		t.Error("BoolEnv on unset variable should return the default")
	}
}
