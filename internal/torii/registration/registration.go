// Package registration loads and validates an appservice registration file
// and compiles it into a NamespaceMatcher: the component that classifies
// user-IDs, room-IDs, and aliases as inside or outside the appservice's
// exclusive namespace.
package registration

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

// Namespace is one entry of a namespaces.{users,rooms,aliases} list.
type Namespace struct {
	Exclusive bool   `yaml:"exclusive" json:"exclusive"`
	Regex     string `yaml:"regex" json:"regex"`
}

// Namespaces is the registration's namespaces block.
type Namespaces struct {
	Users   []Namespace `yaml:"users,omitempty" json:"users,omitempty"`
	Rooms   []Namespace `yaml:"rooms,omitempty" json:"rooms,omitempty"`
	Aliases []Namespace `yaml:"aliases,omitempty" json:"aliases,omitempty"`
}

// Registration is the configuration record a homeserver and appservice agree
// on: tokens, the bot's localpart, and the namespaces the appservice owns.
type Registration struct {
	ID              string     `yaml:"id,omitempty" json:"id,omitempty"`
	URL             string     `yaml:"url,omitempty" json:"url,omitempty"`
	ASToken         string     `yaml:"as_token" json:"as_token"`
	HSToken         string     `yaml:"hs_token" json:"hs_token"`
	SenderLocalpart string     `yaml:"sender_localpart" json:"sender_localpart"`
	Namespaces      Namespaces `yaml:"namespaces" json:"namespaces"`
	Protocols       []string   `yaml:"protocols,omitempty" json:"protocols,omitempty"`
	PushEphemeral   bool       `yaml:"de.sorunome.msc2409.push_ephemeral,omitempty" json:"de.sorunome.msc2409.push_ephemeral,omitempty"`
}

// schema is the JSON Schema the registration document must satisfy before
// field-level regex compilation is attempted. It only checks shape/types;
// the "exactly one user namespace" and "valid suffix prefix" invariants in
// §4.1 are enforced separately since JSON Schema cannot express them
// cleanly against a regex-derived prefix.
const schemaJSON = `{
	"$schema": "http://json-schema.org/draft-07/schema#",
	"type": "object",
	"required": ["as_token", "hs_token", "sender_localpart", "namespaces"],
	"properties": {
		"id": {"type": "string"},
		"url": {"type": "string"},
		"as_token": {"type": "string", "minLength": 1},
		"hs_token": {"type": "string", "minLength": 1},
		"sender_localpart": {"type": "string", "minLength": 1},
		"protocols": {"type": "array", "items": {"type": "string"}},
		"de.sorunome.msc2409.push_ephemeral": {"type": "boolean"},
		"namespaces": {
			"type": "object",
			"required": ["users"],
			"properties": {
				"users": {"type": "array", "items": {"$ref": "#/$defs/namespace"}, "minItems": 1},
				"rooms": {"type": "array", "items": {"$ref": "#/$defs/namespace"}},
				"aliases": {"type": "array", "items": {"$ref": "#/$defs/namespace"}}
			}
		}
	},
	"$defs": {
		"namespace": {
			"type": "object",
			"required": ["exclusive", "regex"],
			"properties": {
				"exclusive": {"type": "boolean"},
				"regex": {"type": "string", "minLength": 1}
			}
		}
	}
}`

var compiledSchema = func() *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	if err := c.AddResource("registration.schema.json", bytes.NewReader([]byte(schemaJSON))); err != nil {
		panic(fmt.Sprintf("registration: invalid embedded schema: %v", err))
	}
	s, err := c.Compile("registration.schema.json")
	if err != nil {
		panic(fmt.Sprintf("registration: schema compile failed: %v", err))
	}
	return s
}()

// ConfigurationError reports a registration that fails validation or a
// namespace operation that the registration does not support (e.g. a
// suffix lookup when the user regex has no extractable prefix).
type ConfigurationError struct {
	Msg string
}

func (e *ConfigurationError) Error() string { return e.Msg }

func configErrorf(format string, args ...any) error {
	return &ConfigurationError{Msg: fmt.Sprintf(format, args...)}
}

// Load reads and validates a registration document from path (YAML or
// JSON; YAML is a superset so the same decoder handles both).
func Load(path string) (*Registration, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("registration: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse validates and decodes a registration document already in memory.
func Parse(data []byte) (*Registration, error) {
	if err := validateSchema(data); err != nil {
		return nil, err
	}
	var reg Registration
	if err := yaml.Unmarshal(data, &reg); err != nil {
		return nil, fmt.Errorf("registration: decode: %w", err)
	}
	return &reg, nil
}

// validateSchema round-trips YAML through JSON so the jsonschema validator
// (which expects json.Unmarshal-produced values) can check it.
func validateSchema(data []byte) error {
	var generic any
	if err := yaml.Unmarshal(data, &generic); err != nil {
		return fmt.Errorf("registration: parse: %w", err)
	}
	asJSON, err := json.Marshal(generic)
	if err != nil {
		return fmt.Errorf("registration: normalize: %w", err)
	}
	var jsonVal any
	if err := json.Unmarshal(asJSON, &jsonVal); err != nil {
		return fmt.Errorf("registration: normalize: %w", err)
	}
	if err := compiledSchema.Validate(jsonVal); err != nil {
		return configErrorf("registration schema validation failed: %v", err)
	}
	return nil
}

// Save serializes reg back to path as YAML, mirroring the round-trip the
// mautrix appservice reference config supports for bootstrap tooling.
func (reg *Registration) Save(path string) error {
	data, err := yaml.Marshal(reg)
	if err != nil {
		return fmt.Errorf("registration: marshal: %w", err)
	}
	return os.WriteFile(path, data, 0o600)
}

// BotUserID returns the full user-ID for sender_localpart on serverName.
func (reg *Registration) BotUserID(serverName string) string {
	return "@" + reg.SenderLocalpart + ":" + serverName
}

// NamespaceMatcher classifies user-IDs/aliases as inside or outside the
// appservice's namespace, and maps suffixes to full user-IDs/aliases and
// back. Immutable once constructed; safe for concurrent use.
type NamespaceMatcher struct {
	serverName string
	botUserID  string

	userRegex  *regexp.Regexp
	userPrefix string
	hasUserSuffix bool

	aliasRegex    *regexp.Regexp
	aliasPrefix   string
	hasAliasSuffix bool
	hasAliasNamespace bool

	roomRegexes []*regexp.Regexp
}

// suffixPattern matches a trailing ".*:<server>" or ".+:<server>" at the end
// of a namespace regex, capturing the literal prefix before it.
var suffixPattern = regexp.MustCompile(`^(.*)\.[*+]:` + `(.+)$`)

// NewMatcher compiles reg into a NamespaceMatcher for the given homeserver
// server name. Per §4.1, exactly one user namespace must be present;
// anything else is a ConfigurationError.
func NewMatcher(reg *Registration, serverName string) (*NamespaceMatcher, error) {
	if len(reg.Namespaces.Users) != 1 {
		return nil, configErrorf("registration must declare exactly one user namespace, got %d", len(reg.Namespaces.Users))
	}

	m := &NamespaceMatcher{
		serverName: serverName,
		botUserID:  reg.BotUserID(serverName),
	}

	userNS := reg.Namespaces.Users[0]
	userRegex, err := regexp.Compile(userNS.Regex)
	if err != nil {
		return nil, configErrorf("invalid user namespace regex %q: %v", userNS.Regex, err)
	}
	m.userRegex = userRegex
	if prefix, host, ok := extractPrefix(userNS.Regex); ok && host == serverName {
		m.userPrefix = prefix
		m.hasUserSuffix = true
	}

	for _, rns := range reg.Namespaces.Rooms {
		rr, err := regexp.Compile(rns.Regex)
		if err != nil {
			return nil, configErrorf("invalid room namespace regex %q: %v", rns.Regex, err)
		}
		m.roomRegexes = append(m.roomRegexes, rr)
	}

	if len(reg.Namespaces.Aliases) > 0 {
		m.hasAliasNamespace = true
		aliasNS := reg.Namespaces.Aliases[0]
		aliasRegex, err := regexp.Compile(aliasNS.Regex)
		if err != nil {
			return nil, configErrorf("invalid alias namespace regex %q: %v", aliasNS.Regex, err)
		}
		m.aliasRegex = aliasRegex
		if prefix, host, ok := extractPrefix(aliasNS.Regex); ok && host == serverName {
			m.aliasPrefix = prefix
			m.hasAliasSuffix = true
		}
	}

	return m, nil
}

// extractPrefix strips a trailing ".*:<server>" or ".+:<server>" suffix from
// a namespace regex, returning the literal prefix and the captured server
// name when the pattern matches. The server capture is unescaped from regex
// metacharacters (the YAML fixtures that carry these patterns are typically
// single-quoted, e.g. "@torii_.*:example\.com", so the capture arrives with
// its backslash escapes still intact) before it is compared against a plain
// server name anywhere else.
func extractPrefix(regex string) (prefix, server string, ok bool) {
	m := suffixPattern.FindStringSubmatch(regex)
	if m == nil {
		return "", "", false
	}
	server = strings.TrimSuffix(m[2], "$")
	server = unescapeRegexLiteral(server)
	return m[1], server, true
}

// unescapeRegexLiteral undoes backslash-escaping of regex metacharacters
// (as produced by regexp.QuoteMeta, or typed by hand in a namespace regex)
// so the result can be compared against a literal string.
func unescapeRegexLiteral(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+1 < len(s) {
			i++
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

// BotUserID returns the bot's full user-ID.
func (m *NamespaceMatcher) BotUserID() string { return m.botUserID }

// IsNamespacedUser reports whether id is inside the AS's user namespace, or
// is the bot user-ID (P2).
func (m *NamespaceMatcher) IsNamespacedUser(id string) bool {
	if id == m.botUserID {
		return true
	}
	return m.userRegex.MatchString(id)
}

// IsNamespacedRoom reports whether roomID matches any configured room
// namespace. Returns false (never errors) when no room namespaces exist.
func (m *NamespaceMatcher) IsNamespacedRoom(roomID string) bool {
	for _, rr := range m.roomRegexes {
		if rr.MatchString(roomID) {
			return true
		}
	}
	return false
}

// IsNamespacedAlias reports whether alias is inside the AS's alias
// namespace. Returns a ConfigurationError when no alias namespace is
// configured at all.
func (m *NamespaceMatcher) IsNamespacedAlias(alias string) (bool, error) {
	if !m.hasAliasNamespace {
		return false, configErrorf("Invalid configured alias prefix")
	}
	return m.aliasRegex.MatchString(alias), nil
}

// GetUserIDForSuffix builds a full user-ID from a localpart suffix. Fails
// with a ConfigurationError when the user regex has no extractable prefix.
func (m *NamespaceMatcher) GetUserIDForSuffix(suffix string) (string, error) {
	if !m.hasUserSuffix {
		return "", configErrorf("user namespace regex has no extractable prefix; cannot derive user ID from suffix")
	}
	return m.userPrefix + suffix + ":" + m.serverName, nil
}

// GetSuffixForUserID returns the portion of id between the user prefix and
// ":<serverName>". Returns "" (no error) for anything that does not match,
// per §4.1 — this is a lookup, not a validation, operation.
func (m *NamespaceMatcher) GetSuffixForUserID(id string) string {
	if !m.hasUserSuffix {
		return ""
	}
	suffix := ":" + m.serverName
	if !strings.HasPrefix(id, m.userPrefix) || !strings.HasSuffix(id, suffix) {
		return ""
	}
	rest := strings.TrimPrefix(id, m.userPrefix)
	rest = strings.TrimSuffix(rest, suffix)
	if rest == "" {
		return ""
	}
	return rest
}

// GetAliasForSuffix builds a full room alias from a localpart suffix.
func (m *NamespaceMatcher) GetAliasForSuffix(suffix string) (string, error) {
	if !m.hasAliasSuffix {
		return "", configErrorf("alias namespace regex has no extractable prefix; cannot derive alias from suffix")
	}
	return m.aliasPrefix + suffix + ":" + m.serverName, nil
}

// GetSuffixForAlias is the symmetric inverse of GetAliasForSuffix.
func (m *NamespaceMatcher) GetSuffixForAlias(alias string) string {
	if !m.hasAliasSuffix {
		return ""
	}
	suffix := ":" + m.serverName
	prefix := m.aliasPrefix
	if !strings.HasPrefix(alias, prefix) || !strings.HasSuffix(alias, suffix) {
		return ""
	}
	rest := strings.TrimPrefix(alias, prefix)
	rest = strings.TrimSuffix(rest, suffix)
	if rest == "" {
		return ""
	}
	return rest
}
