package tags

import (
	"strings"
	"testing"
)

func TestStoreDefaults(t *testing.T) {
	s := NewStore()

	if _, ok := s.Get("company_cephiq"); !ok {
		t.Error("missing default company tag")
	}
	if _, ok := s.Get("role_agent"); !ok {
		t.Error("missing default role tag")
	}
}

func TestStoreAddRemove(t *testing.T) {
	s := NewStore()
	s.Add(&Tag{Name: "flow_checkout", Kind: KindFlow})

	if _, ok := s.Get("flow_checkout"); !ok {
		t.Fatal("tag not added")
	}
	if !s.Remove("flow_checkout") {
		t.Error("expected Remove to report true")
	}
	if s.Remove("flow_checkout") {
		t.Error("expected Remove to report false for absent tag")
	}
}

func TestResolveForUserMatching(t *testing.T) {
	s := NewStore()
	s.Add(&Tag{
		Name:   "function_support",
		Kind:   KindFunction,
		Config: Config{AssignedUsers: []string{"alice"}},
	})

	resolved := s.ResolveFor("alice", []string{"agent"}, "")
	if !containsTag(resolved, "function_support") {
		t.Error("user-assigned tag should apply to alice")
	}

	resolved = s.ResolveFor("bob", []string{"agent"}, "")
	if containsTag(resolved, "function_support") {
		t.Error("user-assigned tag should not apply to bob")
	}
}

func TestResolveForWildcardUser(t *testing.T) {
	s := NewStore()

	resolved := s.ResolveFor("anyone", nil, "")
	if !containsTag(resolved, "company_cephiq") {
		t.Error("wildcard tag should apply to every user")
	}
}

func TestResolveForRoleIntersection(t *testing.T) {
	s := NewStore()

	resolved := s.ResolveFor("u1", []string{"viewer"}, "")
	if containsTag(resolved, "role_agent") {
		t.Error("role tag should not apply without the agent role")
	}

	resolved = s.ResolveFor("u1", []string{"viewer", "agent"}, "")
	if !containsTag(resolved, "role_agent") {
		t.Error("role tag should apply when roles intersect")
	}
}

func TestResolveForOrgScope(t *testing.T) {
	s := NewStore()
	s.Add(&Tag{
		Name:   "guardrail_acme",
		Kind:   KindGuardrail,
		Config: Config{OrgScope: "acme"},
	})

	if containsTag(s.ResolveFor("u1", nil, "other"), "guardrail_acme") {
		t.Error("org-scoped tag should not apply outside its org")
	}
	if !containsTag(s.ResolveFor("u1", nil, "acme"), "guardrail_acme") {
		t.Error("org-scoped tag should apply within its org")
	}
}

func TestResolveForPriorityOrder(t *testing.T) {
	s := NewStore()
	s.Add(&Tag{Name: "low", Kind: KindGuardrail, Config: Config{Priority: 1}})
	s.Add(&Tag{Name: "high", Kind: KindGuardrail, Config: Config{Priority: 10}})

	resolved := s.ResolveFor("u1", nil, "")
	var order []string
	for _, tag := range resolved {
		order = append(order, tag.Name)
	}
	highIdx, lowIdx := indexOf(order, "high"), indexOf(order, "low")
	if highIdx == -1 || lowIdx == -1 || highIdx > lowIdx {
		t.Errorf("priority order broken: %v", order)
	}
}

func TestBuildSystemPromptSectionOrder(t *testing.T) {
	tags := []*Tag{
		{Name: "guardrail_x", Kind: KindGuardrail, Content: "Never delete production data."},
		{Name: "company_cephiq", Kind: KindCompany, Content: "You are Cephiq."},
		{Name: "flow_checkout", Kind: KindFlow, Content: "Checkout steps."},
		{Name: "role_agent", Kind: KindRole, Content: "Agent role."},
	}

	prompt := BuildSystemPrompt(tags)

	order := []string{
		"=== COMPANY CONTEXT ===",
		"=== ROLE CONTEXT ===",
		"=== FLOW CONTEXT ===",
		"=== GUARDRAILS ===",
	}
	last := -1
	for _, header := range order {
		idx := strings.Index(prompt, header)
		if idx == -1 {
			t.Fatalf("missing header %q in:\n%s", header, prompt)
		}
		if idx < last {
			t.Errorf("header %q out of order", header)
		}
		last = idx
	}
	if strings.Contains(prompt, "=== FUNCTION CONTEXT ===") {
		t.Error("empty sections should be omitted")
	}
}

func TestBuildSystemPromptApproachSharesFlowSection(t *testing.T) {
	tags := []*Tag{
		{Name: "approach_tdd", Kind: KindApproach, Content: "Write tests first."},
	}
	prompt := BuildSystemPrompt(tags)
	if !strings.Contains(prompt, "=== FLOW CONTEXT ===") {
		t.Errorf("approach tags belong in the flow section:\n%s", prompt)
	}
}

func TestAllowedToolsUnion(t *testing.T) {
	tags := []*Tag{
		{Name: "a", Config: Config{AllowedTools: []string{"read_file"}}},
		{Name: "b", Config: Config{AllowedTools: []string{"read_file", "list_files"}}},
	}

	allowed := AllowedTools(tags)
	if len(allowed) != 2 || !allowed["read_file"] || !allowed["list_files"] {
		t.Errorf("unexpected union: %v", allowed)
	}
}

func TestValidateToolAccess(t *testing.T) {
	restricted := []*Tag{{Name: "a", Config: Config{AllowedTools: []string{"read_file"}}}}

	if !ValidateToolAccess("read_file", restricted) {
		t.Error("allowed tool rejected")
	}
	if ValidateToolAccess("delete_file", restricted) {
		t.Error("disallowed tool accepted")
	}

	unrestricted := []*Tag{{Name: "b"}}
	if !ValidateToolAccess("anything", unrestricted) {
		t.Error("empty union should mean unrestricted")
	}
}

func TestFilterTools(t *testing.T) {
	available := []string{"read_file", "create_file", "list_files"}

	filtered := FilterTools(available, map[string]bool{"read_file": true})
	if len(filtered) != 1 || filtered[0] != "read_file" {
		t.Errorf("unexpected filter result: %v", filtered)
	}

	all := FilterTools(available, nil)
	if len(all) != 3 {
		t.Errorf("empty allow-set should keep everything: %v", all)
	}
}

func TestFlowTagsByIntent(t *testing.T) {
	s := NewStore()
	s.Add(&Tag{Name: "flow_checkout", Kind: KindFlow})
	s.Add(&Tag{Name: "flow_checkout_express", Kind: KindFlow})
	s.Add(&Tag{Name: "flow_refund", Kind: KindFlow})

	flows := s.FlowTags("checkout")
	if len(flows) != 2 {
		t.Errorf("expected 2 checkout flows, got %d", len(flows))
	}
}

func containsTag(tags []*Tag, name string) bool {
	for _, tag := range tags {
		if tag.Name == name {
			return true
		}
	}
	return false
}

func indexOf(items []string, want string) int {
	for i, item := range items {
		if item == want {
			return i
		}
	}
	return -1
}
