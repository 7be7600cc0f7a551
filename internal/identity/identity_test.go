package identity

import "testing"

func TestNormalizePhone(t *testing.T) {
	tests := []struct {
		in     string
		prefix string
		want   string
	}{
		{"+1 (555) 123-4567", "+1", "+15551234567"},
		{"5551234567", "+1", "+15551234567"},
		{"15551234567", "+1", "+15551234567"},
		{"555.123.4567", "+44", "+445551234567"},
		{"+441632960961", "+1", "+441632960961"},
		{"0d06d2b5-d2a2-4fbe-b7e1-5b07a00091b2", "+1", "0d06d2b5-d2a2-4fbe-b7e1-5b07a00091b2"},
	}

	for _, tt := range tests {
		if got := NormalizePhone(tt.in, tt.prefix); got != tt.want {
			t.Errorf("NormalizePhone(%q, %q) = %q, want %q", tt.in, tt.prefix, got, tt.want)
		}
	}
}

func TestNormalizePhone_NonPhonePassthrough(t *testing.T) {
	// Signal uses UUIDs as sender ids for contacts that hide their
	// number. Those contain digits but are not phone-shaped and must
	// come back byte for byte, or allowlist exact matches and
	// conversation keys silently break.
	tests := []string{
		"0d06d2b5-d2a2-4fbe-b7e1-5b07a00091b2",
		"alice.42",
		"+1abc5551234",
		"",
	}
	for _, in := range tests {
		if got := NormalizePhone(in, "+1"); got != in {
			t.Errorf("NormalizePhone(%q) = %q, want input unchanged", in, got)
		}
	}
}

func TestNormalizeMember(t *testing.T) {
	tests := []struct {
		rawID string
		roles []string
		want  Member
	}{
		{"123456789", []string{"Admin", "ops "}, Member{ID: "123456789", Roles: []string{"admin", "ops"}}},
		{"<@123456789>", nil, Member{ID: "123456789", Roles: []string{}}},
		{"<@!123456789>", []string{""}, Member{ID: "123456789", Roles: []string{}}},
	}

	for _, tt := range tests {
		got := NormalizeMember(tt.rawID, tt.roles)
		if got.ID != tt.want.ID {
			t.Errorf("NormalizeMember(%q).ID = %q, want %q", tt.rawID, got.ID, tt.want.ID)
		}
		if len(got.Roles) != len(tt.want.Roles) {
			t.Errorf("NormalizeMember(%q).Roles = %v, want %v", tt.rawID, got.Roles, tt.want.Roles)
			continue
		}
		for i := range got.Roles {
			if got.Roles[i] != tt.want.Roles[i] {
				t.Errorf("NormalizeMember(%q).Roles[%d] = %q, want %q", tt.rawID, i, got.Roles[i], tt.want.Roles[i])
			}
		}
	}
}

func TestSanitizeKey(t *testing.T) {
	if got := SanitizeKey("+1555-123#4567"); got != "15551234567" {
		t.Errorf("SanitizeKey = %q, want 15551234567", got)
	}
}
