// ABOUTME: Store interface and data types for mesh persistence
// ABOUTME: Defines projects, agents, channels, members, messages, and access views

package store

import (
	"context"
	"time"

	"github.com/2389/coven-mesh/internal/ident"
)

// Discoverability controls which agents can see an agent in listings.
type Discoverability string

const (
	DiscoverabilityPublic  Discoverability = "public"
	DiscoverabilityProject Discoverability = "project"
	DiscoverabilityPrivate Discoverability = "private"
)

// DMPolicy controls who may open a direct channel with an agent.
type DMPolicy string

const (
	DMPolicyOpen       DMPolicy = "open"
	DMPolicyRestricted DMPolicy = "restricted"
	DMPolicyClosed     DMPolicy = "closed"
)

// ChannelKind distinguishes regular channels from fixed-membership
// direct channels.
type ChannelKind string

const (
	ChannelKindRegular ChannelKind = "regular"
	ChannelKindDirect  ChannelKind = "direct"
)

// AccessMode is a channel's admission policy.
type AccessMode string

const (
	AccessOpen    AccessMode = "open"
	AccessMembers AccessMode = "members"
	AccessPrivate AccessMode = "private"
)

// LinkType is the direction of a project link. AToB grants agents of
// project A discovery of B's open channels.
type LinkType string

const (
	LinkBidirectional LinkType = "bidirectional"
	LinkAToB          LinkType = "a_to_b"
	LinkBToA          LinkType = "b_to_a"
)

// JoinSource records how a membership came to exist.
type JoinSource string

const (
	SourceManual      JoinSource = "manual"
	SourceFrontmatter JoinSource = "frontmatter"
	SourceDefault     JoinSource = "default"
	SourceSystem      JoinSource = "system"
	SourceInvitation  JoinSource = "invitation"
)

// Inviter attribution values for memberships not created by another
// agent.
const (
	InviterSelf   = "self"
	InviterSystem = "system"
)

// Project is a tenant isolation boundary.
type Project struct {
	ID        string
	Path      string
	Name      string
	CreatedAt time.Time
}

// ProjectLink authorizes cross-project discovery between two projects.
type ProjectLink struct {
	ProjectA  string
	ProjectB  string
	Type      LinkType
	Enabled   bool
	CreatedAt time.Time
}

// Agent is an addressable principal, identified by (name, project).
type Agent struct {
	Key             ident.AgentKey
	Description     string
	Discoverability Discoverability
	DMPolicy        DMPolicy
	DMAllow         []string // serialized agent keys
	DMBlock         []string // serialized agent keys
	NeverDefault    bool
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Channel is a conversation container.
type Channel struct {
	ID          string
	Kind        ChannelKind
	Access      AccessMode
	Scope       string // ident.ScopeGlobal | ScopeProject | ScopeDirect
	ProjectID   string // empty for global and direct channels
	Name        string
	Description string
	IsDefault   bool
	IsArchived  bool
	Owner       *ident.AgentKey // set only for notes channels
	CreatedAt   time.Time
}

// IsNotes reports whether the channel is an agent's private notes
// channel.
func (c *Channel) IsNotes() bool {
	return c.Owner != nil
}

// Capabilities is the flat bit-set a membership grants. Never a role
// hierarchy.
type Capabilities struct {
	CanSend   bool
	CanInvite bool
	CanLeave  bool
	CanManage bool
}

// Member is one (channel, agent) membership row — the only structure
// conferring access to a channel.
type Member struct {
	ChannelID   string
	Key         ident.AgentKey
	InvitedBy   string // InviterSelf, InviterSystem, or a serialized agent key
	Source      JoinSource
	Caps        Capabilities
	FromDefault bool
	OptedOut    bool
	JoinedAt    time.Time
}

// Message is an immutable content event. Timestamp is UTC Unix seconds
// as a real number.
type Message struct {
	ID         int64
	ChannelID  string
	Sender     ident.AgentKey
	Content    string
	Timestamp  float64
	Confidence *float64 // in [0,1] when present
	Metadata   string   // JSON object; empty when absent
	Tags       []string
	SessionID  string
	ThreadID   string
}

// Session records one host session for attribution.
type Session struct {
	ID          string
	ProjectID   string
	ProjectPath string
	Transport   string
	Scope       string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// AccessDecision is the access view's answer for one (agent, channel)
// pair. HasAccess without IsMember means the channel is joinable but
// the agent cannot send yet.
type AccessDecision struct {
	HasAccess     bool
	IsMember      bool
	Caps          Capabilities
	VisibleInList bool
}

// VisibleChannel pairs a channel with the viewer's access decision in
// listing results.
type VisibleChannel struct {
	Channel Channel
	Access  AccessDecision
}

// MessageQuery bounds a channel history read. Before/After are Unix
// seconds; zero means unbounded.
type MessageQuery struct {
	ChannelID string
	Before    float64
	After     float64
	Limit     int
}

// TextSearchParams drives the relational text search path.
type TextSearchParams struct {
	Query      string
	ChannelIDs []string // empty means no channel restriction
	Sender     *ident.AgentKey
	Since      float64 // Unix seconds; zero means unbounded
	Until      float64
	// Extra predicate compiled by the filter package; the clause must
	// be a self-contained parenthesized fragment over message columns.
	FilterClause string
	FilterArgs   []any
	Limit        int
}

// TextHit is one text-search result with its similarity proxy in [0,1].
type TextHit struct {
	Message    Message
	Similarity float64
}

// Store is the relational source of truth for the mesh.
type Store interface {
	// Projects.
	RegisterProject(ctx context.Context, id, path, name string) (*Project, error)
	GetProject(ctx context.Context, id string) (*Project, error)
	GetProjectByPath(ctx context.Context, path string) (*Project, error)
	ResolveProjectPrefix(ctx context.Context, prefix string) (*Project, error)
	ListProjects(ctx context.Context) ([]*Project, error)
	LinkProjects(ctx context.Context, a, b string, linkType LinkType) error
	UnlinkProjects(ctx context.Context, a, b string) error
	ProjectsLinked(ctx context.Context, from, to string) (bool, error)

	// Agents.
	RegisterAgent(ctx context.Context, agent *Agent) error
	GetAgent(ctx context.Context, key ident.AgentKey) (*Agent, error)
	ListAgents(ctx context.Context) ([]*Agent, error)
	DeleteAgent(ctx context.Context, key ident.AgentKey) error

	// Channels.
	CreateChannel(ctx context.Context, ch *Channel) error
	CreateChannelWithMembers(ctx context.Context, ch *Channel, members []*Member) error
	GetChannel(ctx context.Context, id string) (*Channel, error)
	ListChannels(ctx context.Context) ([]*Channel, error)
	ListDefaultChannels(ctx context.Context, projectID string) ([]*Channel, error)
	ArchiveChannel(ctx context.Context, id string) error
	UpdateChannelDescription(ctx context.Context, id, description string) error

	// Members.
	AddMember(ctx context.Context, m *Member) error
	RemoveMember(ctx context.Context, channelID string, key ident.AgentKey) error
	GetMember(ctx context.Context, channelID string, key ident.AgentKey) (*Member, error)
	ListMembers(ctx context.Context, channelID string) ([]*Member, error)
	ListMemberships(ctx context.Context, key ident.AgentKey) ([]*Member, error)
	SetMemberOptOut(ctx context.Context, channelID string, key ident.AgentKey, optedOut bool) error
	UpdateMemberCaps(ctx context.Context, channelID string, key ident.AgentKey, caps Capabilities) error
	ShareNonDirectChannel(ctx context.Context, a, b ident.AgentKey) (bool, error)

	// Messages.
	InsertMessage(ctx context.Context, msg *Message) (int64, error)
	GetMessage(ctx context.Context, id int64) (*Message, error)
	GetMessages(ctx context.Context, q MessageQuery) ([]*Message, error)
	GetMessagesByIDs(ctx context.Context, ids []int64) ([]*Message, error)
	SearchMessagesText(ctx context.Context, p TextSearchParams) ([]TextHit, error)
	ListMessageIDs(ctx context.Context, afterID int64, limit int) ([]int64, error)
	UpdateMessageTags(ctx context.Context, id int64, tags []string) error

	// Access views.
	ChannelAccess(ctx context.Context, viewer ident.AgentKey, channelID string) (*AccessDecision, error)
	ListVisibleChannels(ctx context.Context, viewer ident.AgentKey) ([]*VisibleChannel, error)

	// Sessions.
	RegisterSession(ctx context.Context, s *Session) error
	GetSession(ctx context.Context, id string) (*Session, error)

	Close() error
}
