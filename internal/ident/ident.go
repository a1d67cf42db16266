// ABOUTME: Identifier grammar for projects, agents, and channels
// ABOUTME: Canonical construction and parsing of the mesh naming scheme

package ident

import (
	"crypto/sha256"
	"encoding/hex"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/2389/coven-mesh/internal/fault"
)

// Channel scopes.
const (
	ScopeGlobal  = "global"
	ScopeProject = "project"
	ScopeDirect  = "direct"
)

const (
	directPrefix  = "dm"
	projectPrefix = "proj_"
	notesMarker   = "agent-notes"
)

// nameRE constrains agent and channel names. Lowercase, digits, and the
// separators dot/underscore/hyphen; must start with an alphanumeric.
var nameRE = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]*$`)

// prefix8RE recognizes an 8-character project id prefix inside a direct
// channel id.
var prefix8RE = regexp.MustCompile(`^[0-9a-f]{8}$`)

// ProjectID derives the stable opaque id for a project from its absolute
// path. Callers may also register projects under ids of their own choosing;
// this is only the default derivation.
func ProjectID(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	sum := sha256.Sum256([]byte(abs))
	return hex.EncodeToString(sum[:])[:16]
}

// Prefix8 returns the 8-character prefix of a project id used in channel
// identifiers and serialized agent keys.
func Prefix8(projectID string) string {
	if len(projectID) <= 8 {
		return projectID
	}
	return projectID[:8]
}

// ValidName reports whether s is a legal agent or channel name.
func ValidName(s string) bool {
	return nameRE.MatchString(s)
}

// ValidateName returns a BadRequest fault when s is not a legal name.
func ValidateName(kind, s string) error {
	if s == "" {
		return fault.BadRequestf("%s name is empty", kind)
	}
	if !ValidName(s) {
		return fault.BadRequestf("%s name %q is invalid: must match %s", kind, s, nameRE.String())
	}
	return nil
}

// AgentKey identifies a principal: a name plus the owning project id.
// An empty ProjectID means the agent is global.
type AgentKey struct {
	Name      string
	ProjectID string
}

// IsGlobal reports whether the key addresses a global agent.
func (k AgentKey) IsGlobal() bool {
	return k.ProjectID == ""
}

// String serializes the key as "name" or "name@proj_<id8>".
func (k AgentKey) String() string {
	if k.IsGlobal() {
		return k.Name
	}
	return k.Name + "@" + projectPrefix + Prefix8(k.ProjectID)
}

// ParseAgentKey parses the serialized forms "name" and "name@proj_<id8>".
// The ProjectID of a parsed key holds the 8-character prefix as written;
// callers needing the full project id resolve it against the store.
func ParseAgentKey(s string) (AgentKey, error) {
	name, proj, found := strings.Cut(s, "@")
	if err := ValidateName("agent", name); err != nil {
		return AgentKey{}, err
	}
	if !found {
		return AgentKey{Name: name}, nil
	}
	id, ok := strings.CutPrefix(proj, projectPrefix)
	if !ok || id == "" {
		return AgentKey{}, fault.BadRequestf("agent key %q has malformed project qualifier", s)
	}
	return AgentKey{Name: name, ProjectID: id}, nil
}

// Less orders keys by name, then by project id prefix with absent sorting
// before present. This is the canonical pair order for direct channel ids.
func (k AgentKey) Less(o AgentKey) bool {
	if k.Name != o.Name {
		return k.Name < o.Name
	}
	if k.IsGlobal() != o.IsGlobal() {
		return k.IsGlobal()
	}
	return Prefix8(k.ProjectID) < Prefix8(o.ProjectID)
}

// SortPair returns the two keys in canonical order.
func SortPair(a, b AgentKey) (AgentKey, AgentKey) {
	if b.Less(a) {
		return b, a
	}
	return a, b
}

// ScopePrefix returns the channel id scope prefix for a project id:
// "global" when the id is empty, "proj_<id8>" otherwise.
func ScopePrefix(projectID string) string {
	if projectID == "" {
		return ScopeGlobal
	}
	return projectPrefix + Prefix8(projectID)
}

// GlobalChannelID builds "global:<name>".
func GlobalChannelID(name string) string {
	return ScopeGlobal + ":" + name
}

// ProjectChannelID builds "proj_<id8>:<name>".
func ProjectChannelID(projectID, name string) string {
	return projectPrefix + Prefix8(projectID) + ":" + name
}

// DirectChannelID builds the canonical direct channel id for two agents:
// "dm:<a-name>[:<a-proj8>]:<b-name>[:<b-proj8>]" with the pair in canonical
// order. The same two agents always yield the same id.
func DirectChannelID(a, b AgentKey) string {
	first, second := SortPair(a, b)
	parts := []string{directPrefix}
	for _, k := range []AgentKey{first, second} {
		parts = append(parts, k.Name)
		if !k.IsGlobal() {
			parts = append(parts, Prefix8(k.ProjectID))
		}
	}
	return strings.Join(parts, ":")
}

// NotesChannelID builds "<scope-prefix>:agent-notes:<owner-name>".
func NotesChannelID(owner AgentKey) string {
	return ScopePrefix(owner.ProjectID) + ":" + notesMarker + ":" + owner.Name
}

// ChannelID is the parsed structure of a channel identifier.
type ChannelID struct {
	Raw           string
	Scope         string // global | project | direct
	ProjectPrefix string // 8-char project id prefix for project scope
	Name          string // channel name; empty for direct channels
	IsNotes       bool
	NotesOwner    string   // owner name when IsNotes
	DMFirst       AgentKey // direct participants in canonical order;
	DMSecond      AgentKey // ProjectID holds the 8-char prefix
}

// ParseChannelID parses every form of the channel id grammar. Legacy direct
// ids that omit project suffixes are accepted; generation always emits the
// canonical form.
func ParseChannelID(id string) (ChannelID, error) {
	head, rest, found := strings.Cut(id, ":")
	if !found || rest == "" {
		return ChannelID{}, fault.BadRequestf("channel id %q is malformed", id)
	}

	switch {
	case head == directPrefix:
		return parseDirectID(id, rest)
	case head == ScopeGlobal:
		return parseScopedID(id, ScopeGlobal, "", rest)
	case strings.HasPrefix(head, projectPrefix):
		prefix := strings.TrimPrefix(head, projectPrefix)
		if prefix == "" {
			return ChannelID{}, fault.BadRequestf("channel id %q has empty project prefix", id)
		}
		return parseScopedID(id, ScopeProject, prefix, rest)
	default:
		return ChannelID{}, fault.BadRequestf("channel id %q has unknown scope %q", id, head)
	}
}

func parseScopedID(raw, scope, prefix, rest string) (ChannelID, error) {
	cid := ChannelID{Raw: raw, Scope: scope, ProjectPrefix: prefix}

	if marker, owner, found := strings.Cut(rest, ":"); found {
		if marker != notesMarker {
			return ChannelID{}, fault.BadRequestf("channel id %q is malformed", raw)
		}
		if err := ValidateName("agent", owner); err != nil {
			return ChannelID{}, err
		}
		cid.IsNotes = true
		cid.NotesOwner = owner
		cid.Name = marker + ":" + owner
		return cid, nil
	}

	if err := ValidateName("channel", rest); err != nil {
		return ChannelID{}, err
	}
	cid.Name = rest
	return cid, nil
}

// parseDirectID splits the participant tokens of a direct channel id. A
// token matching eight hex characters directly after a name is consumed as
// that name's project prefix; consumption is greedy left to right, which
// also accepts legacy ids missing one or both suffixes.
func parseDirectID(raw, rest string) (ChannelID, error) {
	tokens := strings.Split(rest, ":")
	if len(tokens) < 2 || len(tokens) > 4 {
		return ChannelID{}, fault.BadRequestf("direct channel id %q is malformed", raw)
	}

	var keys []AgentKey
	for i := 0; i < len(tokens); {
		name := tokens[i]
		if err := ValidateName("agent", name); err != nil {
			return ChannelID{}, fault.BadRequestf("direct channel id %q has invalid participant %q", raw, name)
		}
		key := AgentKey{Name: name}
		i++
		if i < len(tokens) && prefix8RE.MatchString(tokens[i]) && len(keys) < 2 {
			// A trailing hex8 token can only be a project suffix if a
			// second participant still fits behind it.
			remaining := len(tokens) - i - 1
			if len(keys) == 1 || remaining >= 1 {
				key.ProjectID = tokens[i]
				i++
			}
		}
		keys = append(keys, key)
	}
	if len(keys) != 2 {
		return ChannelID{}, fault.BadRequestf("direct channel id %q must name exactly two participants", raw)
	}

	return ChannelID{
		Raw:      raw,
		Scope:    ScopeDirect,
		DMFirst:  keys[0],
		DMSecond: keys[1],
	}, nil
}

// IsDirectID reports whether the id names a direct channel without a full
// parse.
func IsDirectID(id string) bool {
	return strings.HasPrefix(id, directPrefix+":")
}

// IsNotesID reports whether the id names a notes channel without a full
// parse.
func IsNotesID(id string) bool {
	return strings.Contains(id, ":"+notesMarker+":")
}

// ChannelScopeForProject returns the scope string matching a project id:
// ScopeGlobal when empty, ScopeProject otherwise.
func ChannelScopeForProject(projectID string) string {
	if projectID == "" {
		return ScopeGlobal
	}
	return ScopeProject
}

// FormatMember renders "name@proj_<id8>" or "name" for log and error text.
func FormatMember(name, projectID string) string {
	return AgentKey{Name: name, ProjectID: projectID}.String()
}
