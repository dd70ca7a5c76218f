// Package tags implements the unified permission and prompt-content system:
// tags carry prompt fragments, tool allow-lists, and RBAC scoping, and the
// resolved set for a user assembles the system prompt.
package tags

import (
	"sort"
	"strings"
	"sync"
)

// Kind classifies what a tag contributes.
type Kind string

const (
	KindCompany   Kind = "company"
	KindFunction  Kind = "function"
	KindRole      Kind = "role"
	KindFlow      Kind = "flow"
	KindApproach  Kind = "approach"
	KindWorkflow  Kind = "workflow"
	KindTool      Kind = "tool"
	KindGuardrail Kind = "guardrail"
)

// Meta carries descriptive tag metadata.
type Meta struct {
	Name        string `yaml:"name" json:"name"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
	Version     string `yaml:"version,omitempty" json:"version,omitempty"`
}

// Config scopes a tag and carries its permissions. A "*" entry in
// AssignedUsers matches every user.
type Config struct {
	AssignedUsers []string `yaml:"assigned_users,omitempty" json:"assigned_users,omitempty"`
	AssignedRoles []string `yaml:"assigned_roles,omitempty" json:"assigned_roles,omitempty"`
	OrgScope      string   `yaml:"org_scope,omitempty" json:"org_scope,omitempty"`
	AllowedTools  []string `yaml:"allowed_tools,omitempty" json:"allowed_tools,omitempty"`
	Priority      int      `yaml:"priority,omitempty" json:"priority,omitempty"`
}

// Tag is one unit of prompt content plus the permissions that gate it.
type Tag struct {
	Name    string `yaml:"tag" json:"tag"`
	Kind    Kind   `yaml:"kind" json:"kind"`
	Meta    Meta   `yaml:"meta" json:"meta"`
	Config  Config `yaml:"config" json:"config"`
	Content string `yaml:"content" json:"content"`
}

// Store holds the tag set. Safe for concurrent use.
type Store struct {
	mu   sync.RWMutex
	tags map[string]*Tag
}

// NewStore creates a store preloaded with the default company and role tags.
func NewStore() *Store {
	s := &Store{tags: make(map[string]*Tag)}
	for _, tag := range defaultTags() {
		s.tags[tag.Name] = tag
	}
	return s
}

func defaultTags() []*Tag {
	return []*Tag{
		{
			Name: "company_cephiq",
			Kind: KindCompany,
			Meta: Meta{Name: "Cephiq", Description: "Cephiq agent runtime"},
			Config: Config{
				AssignedUsers: []string{"*"},
			},
			Content: strings.TrimSpace(`
You are Cephiq, a modular AI agent runtime built on the Envelope v2.1 protocol.

Core Principles:
- Make structured decisions using the envelope protocol
- Execute tools efficiently via MCP
- Follow permission and scope rules
- Be helpful, accurate, and reliable`),
		},
		{
			Name: "role_agent",
			Kind: KindRole,
			Meta: Meta{Name: "AI Agent", Description: "Autonomous AI agent role"},
			Config: Config{
				AssignedRoles: []string{"agent"},
			},
			Content: strings.TrimSpace(`
You are an autonomous AI agent that can:
- Make decisions using envelope protocol states
- Execute tools to accomplish tasks
- Plan multi-step workflows
- Ask for clarification when needed
- Report progress and results

Always use the envelope protocol for structured decision making.`),
		},
	}
}

// Add inserts or replaces a tag.
func (s *Store) Add(tag *Tag) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tags[tag.Name] = tag
}

// Remove deletes a tag by name and reports whether it existed.
func (s *Store) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tags[name]; !ok {
		return false
	}
	delete(s.tags, name)
	return true
}

// Get returns a tag by name.
func (s *Store) Get(name string) (*Tag, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tag, ok := s.tags[name]
	return tag, ok
}

// Len returns the number of stored tags.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tags)
}

// ResolveFor returns the tags applicable to a user, sorted by priority
// descending. A tag applies when its user, role, and org constraints all
// pass; empty constraints match everything.
func (s *Store) ResolveFor(userID string, roles []string, orgID string) []*Tag {
	s.mu.RLock()
	names := make([]string, 0, len(s.tags))
	for name := range s.tags {
		names = append(names, name)
	}
	sort.Strings(names)

	var applicable []*Tag
	for _, name := range names {
		tag := s.tags[name]
		if tag.applies(userID, roles, orgID) {
			applicable = append(applicable, tag)
		}
	}
	s.mu.RUnlock()

	sort.SliceStable(applicable, func(i, j int) bool {
		return applicable[i].Config.Priority > applicable[j].Config.Priority
	})
	return applicable
}

func (t *Tag) applies(userID string, roles []string, orgID string) bool {
	cfg := t.Config

	if len(cfg.AssignedUsers) > 0 {
		matched := false
		for _, u := range cfg.AssignedUsers {
			if u == userID || u == "*" {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}

	if len(cfg.AssignedRoles) > 0 {
		matched := false
		for _, want := range cfg.AssignedRoles {
			for _, have := range roles {
				if want == have {
					matched = true
					break
				}
			}
		}
		if !matched {
			return false
		}
	}

	if cfg.OrgScope != "" && cfg.OrgScope != orgID {
		return false
	}
	return true
}

// FlowTags returns flow tags whose name matches the given intent.
func (s *Store) FlowTags(intent string) []*Tag {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var flows []*Tag
	for _, tag := range s.tags {
		if tag.Kind == KindFlow && strings.HasPrefix(tag.Name, "flow_"+intent) {
			flows = append(flows, tag)
		}
	}
	sort.Slice(flows, func(i, j int) bool { return flows[i].Name < flows[j].Name })
	return flows
}

// promptSections fixes the order and headers of the assembled prompt.
// Flow and approach tags share the flow section.
var promptSections = []struct {
	header string
	kinds  []Kind
}{
	{"=== COMPANY CONTEXT ===", []Kind{KindCompany}},
	{"=== FUNCTION CONTEXT ===", []Kind{KindFunction}},
	{"=== ROLE CONTEXT ===", []Kind{KindRole}},
	{"=== FLOW CONTEXT ===", []Kind{KindFlow, KindApproach, KindWorkflow}},
	{"=== TOOLS AVAILABLE ===", []Kind{KindTool}},
	{"=== GUARDRAILS ===", []Kind{KindGuardrail}},
}

// BuildSystemPrompt concatenates the content of resolved tags into fixed
// sections. The result is the system prompt for the next model call.
func BuildSystemPrompt(resolved []*Tag) string {
	byKind := make(map[Kind][]string)
	for _, tag := range resolved {
		if tag.Content == "" {
			continue
		}
		byKind[tag.Kind] = append(byKind[tag.Kind], tag.Content)
	}

	var parts []string
	for _, section := range promptSections {
		var fragments []string
		for _, kind := range section.kinds {
			fragments = append(fragments, byKind[kind]...)
		}
		if len(fragments) == 0 {
			continue
		}
		if len(parts) > 0 {
			parts = append(parts, "")
		}
		parts = append(parts, section.header)
		parts = append(parts, fragments...)
	}
	return strings.Join(parts, "\n")
}

// AllowedTools unions the allow-lists of the resolved tags. An empty union
// means unrestricted access.
func AllowedTools(resolved []*Tag) map[string]bool {
	allowed := make(map[string]bool)
	for _, tag := range resolved {
		for _, tool := range tag.Config.AllowedTools {
			allowed[tool] = true
		}
	}
	return allowed
}

// ValidateToolAccess reports whether the tool may be used under the
// resolved tag set.
func ValidateToolAccess(tool string, resolved []*Tag) bool {
	allowed := AllowedTools(resolved)
	return len(allowed) == 0 || allowed[tool]
}

// FilterTools keeps only the tools permitted by the allow-set. An empty
// set keeps everything.
func FilterTools(available []string, allowed map[string]bool) []string {
	if len(allowed) == 0 {
		return available
	}
	var out []string
	for _, tool := range available {
		if allowed[tool] {
			out = append(out, tool)
		}
	}
	return out
}
