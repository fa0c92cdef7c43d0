package skillapi

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRegistryListIsSortedBySkillID(t *testing.T) {
	reg := NewRegistry()
	reg.Register(SystemSkill{})
	fsSkill, err := NewFSSkill(t.TempDir())
	require.NoError(t, err)
	reg.Register(fsSkill)

	list := reg.List()
	require.Len(t, list, 2)
	require.Equal(t, "osp.std.fs", list[0].SkillID)
	require.Equal(t, "osp.std.system", list[1].SkillID)
}

func TestRegistryGetMissingReturnsFalse(t *testing.T) {
	reg := NewRegistry()
	_, ok := reg.Get("org.missing")
	require.False(t, ok)
}

func TestCandidatesMirrorsRoutingShape(t *testing.T) {
	reg := NewRegistry()
	reg.Register(SystemSkill{})
	candidates := reg.Candidates()
	require.Len(t, candidates, 1)
	require.Equal(t, "osp.std.system", candidates[0].SkillID)
}

func TestSystemSkillGetTime(t *testing.T) {
	result, err := SystemSkill{}.Execute(context.Background(), map[string]interface{}{"command": "get_time"})
	require.NoError(t, err)
	require.IsType(t, "", result)
}

func TestSystemSkillUnknownCommand(t *testing.T) {
	_, err := SystemSkill{}.Execute(context.Background(), map[string]interface{}{"command": "bogus"})
	require.Error(t, err)
}

func TestFSSkillReadsFileInsideSandbox(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(dir+"/hello.txt", []byte("hi"), 0o600))

	skill, err := NewFSSkill(dir)
	require.NoError(t, err)

	result, err := skill.Execute(context.Background(), map[string]interface{}{"path": "hello.txt"})
	require.NoError(t, err)
	require.Equal(t, "hi", result)
}

func TestFSSkillRejectsPathEscape(t *testing.T) {
	dir := t.TempDir()
	skill, err := NewFSSkill(dir)
	require.NoError(t, err)

	_, err = skill.Execute(context.Background(), map[string]interface{}{"path": "../../etc/passwd"})
	require.Error(t, err)
}

func TestValidateOutboundURLRejectsLoopback(t *testing.T) {
	_, err := validateOutboundURL("http://127.0.0.1/secret")
	require.Error(t, err)
}

func TestValidateOutboundURLRejectsBadScheme(t *testing.T) {
	_, err := validateOutboundURL("ftp://example.com/file")
	require.Error(t, err)
}
