package handlers

import "testing"

func TestPhoneCacheKeys(t *testing.T) {
	tests := []struct {
		name   string
		phones []string
		want   []string
	}{
		{
			name:   "phone unchanged",
			phones: []string{"555-0100", "555-0100"},
			want:   []string{"org_1:555-0100"},
		},
		{
			// The old number's entry must be targeted too, or a search by
			// the old phone keeps serving the pre-update row until the TTL.
			name:   "phone changed",
			phones: []string{"555-0100", "555-0199"},
			want:   []string{"org_1:555-0100", "org_1:555-0199"},
		},
		{
			name:   "empty phone skipped",
			phones: []string{"", "555-0100"},
			want:   []string{"org_1:555-0100"},
		},
		{
			name:   "single phone on delete",
			phones: []string{"555-0100"},
			want:   []string{"org_1:555-0100"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := phoneCacheKeys("org_1", tt.phones...)
			if len(got) != len(tt.want) {
				t.Fatalf("phoneCacheKeys = %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("key[%d] = %q, want %q", i, got[i], tt.want[i])
				}
			}
		})
	}
}
