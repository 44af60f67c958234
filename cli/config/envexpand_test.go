package config

import "testing"

func TestExpandEnv(t *testing.T) {
	t.Setenv("KILN_TEST_HOST", "cache.internal")
	t.Setenv("KILN_TEST_EMPTY", "")

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"set", "url: redis://${KILN_TEST_HOST}:6379", "url: redis://cache.internal:6379"},
		{"unset", "token: ${KILN_TEST_UNSET_1234}", "token: "},
		{"default when unset", "codec: ${KILN_TEST_UNSET_1234:-json}", "codec: json"},
		{"default when empty", "codec: ${KILN_TEST_EMPTY:-msgpack}", "codec: msgpack"},
		{"default ignored when set", "host: ${KILN_TEST_HOST:-localhost}", "host: cache.internal"},
		{"several", "${KILN_TEST_HOST}/${KILN_TEST_UNSET_1234:-x}", "cache.internal/x"},
		{"bare dollar untouched", "cost: $5 and $HOME", "cost: $5 and $HOME"},
		{"no vars", "entry: /app/server.ts", "entry: /app/server.ts"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ExpandEnv(tt.input); got != tt.want {
				t.Errorf("ExpandEnv(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}
