package registration

import (
	"path/filepath"
	"testing"
)

const validYAML = `
id: torii
url: http://localhost:8008
as_token: as_secret
hs_token: hs_secret
sender_localpart: torii
namespaces:
  users:
    - exclusive: true
      regex: '@torii_.*:example\.com'
  aliases:
    - exclusive: true
      regex: '#torii_.*:example\.com'
  rooms: []
protocols: ["im.torii"]
de.sorunome.msc2409.push_ephemeral: true
`

func TestParse_Valid(t *testing.T) {
	reg, err := Parse([]byte(validYAML))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if reg.ASToken != "as_secret" || reg.HSToken != "hs_secret" {
		t.Fatalf("unexpected tokens: %+v", reg)
	}
	if len(reg.Namespaces.Users) != 1 {
		t.Fatalf("expected 1 user namespace, got %d", len(reg.Namespaces.Users))
	}
	if !reg.PushEphemeral {
		t.Fatalf("expected PushEphemeral true")
	}
}

func TestParse_RejectsMissingRequiredField(t *testing.T) {
	// as_token is required; dropping it should fail schema validation.
	bad := `
hs_token: hs_secret
sender_localpart: torii
namespaces:
  users:
    - exclusive: true
      regex: '@torii_.*:example\.com'
`
	if _, err := Parse([]byte(bad)); err == nil {
		t.Fatalf("expected schema validation error for missing as_token")
	}
}

func TestParse_RejectsEmptyUserNamespaces(t *testing.T) {
	noUsers := `
as_token: as_secret
hs_token: hs_secret
sender_localpart: torii
namespaces:
  users: []
`
	if _, err := Parse([]byte(noUsers)); err == nil {
		t.Fatalf("expected schema validation error for empty users namespace")
	}
}

func TestLoad_RoundTripsViaSave(t *testing.T) {
	reg, err := Parse([]byte(validYAML))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	path := filepath.Join(t.TempDir(), "registration.yaml")
	if err := reg.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.ASToken != reg.ASToken || loaded.SenderLocalpart != reg.SenderLocalpart {
		t.Fatalf("round-trip mismatch: got %+v, want %+v", loaded, reg)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatalf("expected error loading missing file")
	}
}

func TestBotUserID(t *testing.T) {
	reg := &Registration{SenderLocalpart: "torii"}
	if got, want := reg.BotUserID("example.com"), "@torii:example.com"; got != want {
		t.Fatalf("BotUserID: got %q want %q", got, want)
	}
}

func newTestMatcher(t *testing.T) *NamespaceMatcher {
	t.Helper()
	reg, err := Parse([]byte(validYAML))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	m, err := NewMatcher(reg, "example.com")
	if err != nil {
		t.Fatalf("NewMatcher: %v", err)
	}
	return m
}

func TestNewMatcher_RejectsWrongUserNamespaceCount(t *testing.T) {
	reg := &Registration{SenderLocalpart: "torii"}
	if _, err := NewMatcher(reg, "example.com"); err == nil {
		t.Fatalf("expected error for zero user namespaces")
	}
}

func TestIsNamespacedUser(t *testing.T) {
	m := newTestMatcher(t)

	if !m.IsNamespacedUser("@torii_alice:example.com") {
		t.Errorf("expected namespaced user to match")
	}
	if !m.IsNamespacedUser(m.BotUserID()) {
		t.Errorf("expected bot user-ID to match per P2")
	}
	if m.IsNamespacedUser("@alice:example.com") {
		t.Errorf("expected non-namespaced user to not match")
	}
}

func TestIsNamespacedAlias(t *testing.T) {
	m := newTestMatcher(t)

	ok, err := m.IsNamespacedAlias("#torii_general:example.com")
	if err != nil {
		t.Fatalf("IsNamespacedAlias: %v", err)
	}
	if !ok {
		t.Errorf("expected namespaced alias to match")
	}

	ok, err = m.IsNamespacedAlias("#general:example.com")
	if err != nil {
		t.Fatalf("IsNamespacedAlias: %v", err)
	}
	if ok {
		t.Errorf("expected non-namespaced alias to not match")
	}
}

func TestIsNamespacedAlias_NoAliasNamespaceConfigured(t *testing.T) {
	reg, err := Parse([]byte(validYAML))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	reg.Namespaces.Aliases = nil
	m, err := NewMatcher(reg, "example.com")
	if err != nil {
		t.Fatalf("NewMatcher: %v", err)
	}
	if _, err := m.IsNamespacedAlias("#torii_general:example.com"); err == nil {
		t.Fatalf("expected ConfigurationError when no alias namespace is configured")
	}
}

func TestGetUserIDForSuffix_RoundTrips(t *testing.T) {
	m := newTestMatcher(t)

	userID, err := m.GetUserIDForSuffix("alice")
	if err != nil {
		t.Fatalf("GetUserIDForSuffix: %v", err)
	}
	if userID != "@torii_alice:example.com" {
		t.Fatalf("got %q", userID)
	}

	if got := m.GetSuffixForUserID(userID); got != "alice" {
		t.Fatalf("GetSuffixForUserID: got %q want alice", got)
	}
	if got := m.GetSuffixForUserID("@someone-else:example.com"); got != "" {
		t.Fatalf("expected empty suffix for non-matching user-ID, got %q", got)
	}
}

func TestGetAliasForSuffix_RoundTrips(t *testing.T) {
	m := newTestMatcher(t)

	alias, err := m.GetAliasForSuffix("general")
	if err != nil {
		t.Fatalf("GetAliasForSuffix: %v", err)
	}
	if alias != "#torii_general:example.com" {
		t.Fatalf("got %q", alias)
	}
	if got := m.GetSuffixForAlias(alias); got != "general" {
		t.Fatalf("GetSuffixForAlias: got %q want general", got)
	}
}

func TestIsNamespacedRoom_NoRoomNamespacesConfigured(t *testing.T) {
	m := newTestMatcher(t)
	if m.IsNamespacedRoom("!abc123:example.com") {
		t.Errorf("expected no room namespace to match when none configured")
	}
}

func TestParse_InvalidYAML(t *testing.T) {
	if _, err := Parse([]byte("not: valid: yaml: [")); err == nil {
		t.Fatalf("expected parse error for malformed YAML")
	}
}
