package config

import "testing"

func TestExpandEnv(t *testing.T) {
	t.Setenv("CRUCIBLE_SET", "value")
	t.Setenv("CRUCIBLE_EMPTY", "")

	cases := []struct {
		name  string
		input string
		want  string
	}{
		{"set var", "x=${CRUCIBLE_SET}", "x=value"},
		{"unset var", "x=${CRUCIBLE_UNSET_XYZ}", "x="},
		{"unset with default", "x=${CRUCIBLE_UNSET_XYZ:-fallback}", "x=fallback"},
		{"empty with default", "x=${CRUCIBLE_EMPTY:-fallback}", "x=fallback"},
		{"set ignores default", "x=${CRUCIBLE_SET:-fallback}", "x=value"},
		{"no pattern", "plain text", "plain text"},
		{"multiple", "${CRUCIBLE_SET}/${CRUCIBLE_UNSET_XYZ:-d}", "value/d"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ExpandEnv(tc.input); got != tc.want {
				t.Errorf("ExpandEnv(%q) = %q, want %q", tc.input, got, tc.want)
			}
		})
	}
}
