package logging

import "testing"

func TestNew(t *testing.T) {
	tests := []struct {
		level       string
		development bool
		wantErr     bool
	}{
		{"info", false, false},
		{"debug", true, false},
		{"loud", false, true},
	}
	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			logger, err := New(tt.level, tt.development)
			if tt.wantErr {
				if err == nil {
					t.Error("Expected an error")
				}
				return
			}
			if err != nil {
				t.Fatalf("New failed: %v", err)
			}
			if logger == nil {
				t.Fatal("Expected a logger")
			}
		})
	}
}
