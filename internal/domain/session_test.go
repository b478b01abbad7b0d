package domain

import (
	"strings"
	"testing"
)

func TestComposeParseRoundTrip(t *testing.T) {
	parts := []string{"ava", "slack", "thread", "1700000000.000100"}
	id, err := ComposeSessionID(parts...)
	if err != nil {
		t.Fatal(err)
	}
	got, err := ParseSessionID(id)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Join(got, ":") != strings.Join(parts, ":") {
		t.Errorf("round trip = %v, want %v", got, parts)
	}
}

func TestComposeRejectsTraversal(t *testing.T) {
	bad := [][]string{
		{"ava", "slack", ".."},
		{"ava", "slack", "dm", "../etc"},
		{"ava", "slack", "dm", "a/b"},
		{"ava", "slack", ""},
		{"ava", "slack"},
	}
	for _, parts := range bad {
		if _, err := ComposeSessionID(parts...); err == nil {
			t.Errorf("ComposeSessionID(%v) must fail", parts)
		}
	}
}

func TestValidateSessionID(t *testing.T) {
	if err := ValidateSessionID(EphemeralSessionID()); err != nil {
		t.Error("UUID session IDs are valid")
	}
	if err := ValidateSessionID("ava:slack:dm:U1"); err != nil {
		t.Error("tuple session IDs are valid")
	}
	for _, id := range []string{"", "a:b", "a:b:..:d", "a:b:c/d:e"} {
		if err := ValidateSessionID(id); err == nil {
			t.Errorf("ValidateSessionID(%q) must fail", id)
		}
	}
}

func TestWorkspaceRelPath(t *testing.T) {
	rel, err := WorkspaceRelPath("ava:slack:dm:U1")
	if err != nil {
		t.Fatal(err)
	}
	if rel != "ava/slack/dm/U1" {
		t.Errorf("rel = %q", rel)
	}

	id := EphemeralSessionID()
	rel, err = WorkspaceRelPath(id)
	if err != nil || rel != id {
		t.Errorf("ephemeral rel = %q, err = %v", rel, err)
	}

	if _, err := WorkspaceRelPath("a:b:../c"); err == nil {
		t.Error("traversal segment must fail")
	}
}
