package main

import (
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"gitlab.com/gitlab-org/regionkeeper/internal/branch"
	"gitlab.com/gitlab-org/regionkeeper/internal/contract"
	"gitlab.com/gitlab-org/regionkeeper/internal/region"
)

func TestGCSubcommand(t *testing.T) {
	td := newTestDump()
	path := td.write(t)
	output := filepath.Join(t.TempDir(), "collected.json")

	out, err := runSubcommand(t, newGCSubcommand(nil), defaultConfig(t), "-dump", path, "-write", output)
	require.NoError(t, err)
	require.Contains(t, out, "Adopted branches (1):")
	require.Contains(t, out, td.b4.String())
	require.Contains(t, out, "Unreferenced branches (1):")
	require.Contains(t, out, td.b3.String())

	collected, err := readDump(output)
	require.NoError(t, err)
	require.ElementsMatch(t, []branch.ID{td.b1, td.b2, td.b4}, collected.Branches.IDs())
	require.Len(t, collected.Acks, 1)

	t.Run("collected dump is stable", func(t *testing.T) {
		out, err := runSubcommand(t, newGCSubcommand(nil), defaultConfig(t), "-dump", output)
		require.NoError(t, err)
		require.Contains(t, out, "Adopted branches (0):")
		require.Contains(t, out, "Unreferenced branches (0):")
	})

	t.Run("positional arguments", func(t *testing.T) {
		_, err := runSubcommand(t, newGCSubcommand(nil), defaultConfig(t), "-dump", path, "extra")
		require.Equal(t, unexpectedPositionalArgsError{Command: gcCmdName}, err)
	})

	t.Run("unknown contract branch", func(t *testing.T) {
		broken := newTestDump()
		broken.dump.Contracts[contract.NewID()] = contract.Entry{
			Region:   region.New("a", "b"),
			Contract: contract.Contract{Primary: "s2", Replicas: contract.NewServerSet("s2"), Branch: branch.NewID()},
		}

		_, err := runSubcommand(t, newGCSubcommand(nil), defaultConfig(t), "-dump", broken.write(t))
		require.True(t, errors.Is(err, branch.ErrUnknownBranch), "got %v", err)
	})
}

func TestAncestorsSubcommand(t *testing.T) {
	td := newTestDump()
	path := td.write(t)

	baseDump := newTestDump()
	baseDump.dump.TableState = contract.NewTableState()
	baseDump.dump.Branches.Insert(td.b1, certificate(region.Universe()))
	base := baseDump.write(t)

	for _, tc := range []struct {
		desc     string
		args     []string
		contains []string
		absent   []string
		err      error
	}{
		{
			desc:     "whole ancestry",
			args:     []string{"-dump", path, "-branch", td.b2.String()},
			contains: []string{td.b1.String(), td.b2.String(), "(2 certificates to copy)"},
		},
		{
			desc:     "ancestry on top of base",
			args:     []string{"-dump", path, "-branch", td.b2.String(), "-base", base},
			contains: []string{td.b2.String(), "(1 certificates to copy)"},
		},
		{
			desc: "missing branch",
			args: []string{"-dump", path, "-branch", td.b4.String()},
			err:  branch.UnknownBranchError{Branch: td.b4},
		},
		{
			desc:     "missing branch ignored",
			args:     []string{"-dump", path, "-branch", td.b4.String(), "-ignore-missing"},
			contains: []string{"(0 certificates to copy)", "missing certificate: " + td.b4.String()},
		},
		{
			desc: "no branch",
			args: []string{"-dump", path},
			err:  requiredParameterError("branch"),
		},
	} {
		t.Run(tc.desc, func(t *testing.T) {
			out, err := runSubcommand(t, newAncestorsSubcommand(nil), defaultConfig(t), tc.args...)
			if tc.err != nil {
				require.True(t, errors.Is(err, tc.err), "got %v", err)
				return
			}

			require.NoError(t, err)
			for _, s := range tc.contains {
				require.Contains(t, out, s)
			}
		})
	}
}

func TestCheckSubcommand(t *testing.T) {
	td := newTestDump()

	out, err := runSubcommand(t, newCheckSubcommand(nil), defaultConfig(t), "-dump", td.write(t))
	require.NoError(t, err)
	require.Equal(t, "All 1 contracts resolve their branch ancestry.\n", out)

	broken := newTestDump()
	broken.dump.Contracts[contract.NewID()] = contract.Entry{
		Region:   region.Universe(),
		Contract: contract.Contract{Primary: "s2", Replicas: contract.NewServerSet("s2"), Branch: broken.b4},
	}

	out, err = runSubcommand(t, newCheckSubcommand(nil), defaultConfig(t), "-dump", broken.write(t))
	require.True(t, errors.Is(err, errIncompleteAncestry), "got %v", err)
	require.EqualError(t, err, "1 of 2 contracts depend on unknown branches")
	require.Contains(t, out, broken.b4.String())
}

func TestIsAncestorSubcommand(t *testing.T) {
	td := newTestDump()
	path := td.write(t)

	for _, tc := range []struct {
		desc       string
		ancestor   string
		descendant string
		extra      []string
		expected   string
		err        string
	}{
		{
			desc:       "parent before fork",
			ancestor:   fmt.Sprintf("%s@3", td.b1),
			descendant: fmt.Sprintf("%s@7", td.b2),
			expected:   "true\n",
		},
		{
			desc:       "parent after fork",
			ancestor:   fmt.Sprintf("%s@5", td.b1),
			descendant: fmt.Sprintf("%s@7", td.b2),
			expected:   "false\n",
		},
		{
			desc:       "zero",
			ancestor:   "zero",
			descendant: fmt.Sprintf("%s@7", td.b2),
			expected:   "true\n",
		},
		{
			desc:       "unrelated",
			ancestor:   fmt.Sprintf("%s@1", td.b3),
			descendant: fmt.Sprintf("%s@7", td.b2),
			extra:      []string{"-start", "a", "-end", "c"},
			expected:   "false\n",
		},
		{
			desc:       "malformed version",
			ancestor:   td.b1.String(),
			descendant: fmt.Sprintf("%s@7", td.b2),
			err:        fmt.Sprintf("ancestor: expected ID@TIMESTAMP, got %q", td.b1.String()),
		},
		{
			desc:       "empty region",
			ancestor:   "zero",
			descendant: "zero",
			extra:      []string{"-start", "c", "-end", "a"},
			err:        `region ["c", "a") is empty`,
		},
	} {
		t.Run(tc.desc, func(t *testing.T) {
			args := append([]string{"-dump", path, "-ancestor", tc.ancestor, "-descendant", tc.descendant}, tc.extra...)
			out, err := runSubcommand(t, newIsAncestorSubcommand(nil), defaultConfig(t), args...)
			if tc.err != "" {
				require.EqualError(t, err, tc.err)
				return
			}

			require.NoError(t, err)
			require.Equal(t, tc.expected, out)
		})
	}
}

func TestParseVersion(t *testing.T) {
	id := branch.NewID()

	v, err := parseVersion("v", branch.NewVersion(id, 12).String())
	require.NoError(t, err)
	require.Equal(t, branch.NewVersion(id, 12), v)

	v, err = parseVersion("v", branch.Zero.String())
	require.NoError(t, err)
	require.Equal(t, branch.Zero, v)

	_, err = parseVersion("v", "")
	require.Equal(t, requiredParameterError("v"), err)

	_, err = parseVersion("v", id.String()+"@later")
	require.Error(t, err)

	_, err = parseVersion("v", "nope@1")
	require.Error(t, err)
}

func TestRegionsSubcommand(t *testing.T) {
	td := newTestDump()
	path := td.write(t)

	conf := defaultConfig(t)
	conf.ServerID = "s1"

	out, err := runSubcommand(t, newRegionsSubcommand(nil), conf, "-dump", path)
	require.NoError(t, err)
	require.Contains(t, out, td.contract.String())
	require.Contains(t, out, "primary")
	require.Contains(t, out, "primary("+td.b4.String()+")")
	require.Contains(t, out, "(1 regions)")

	out, err = runSubcommand(t, newRegionsSubcommand(nil), conf, "-dump", path, "-server", "s2")
	require.NoError(t, err)
	require.Contains(t, out, "secondary")
	require.Contains(t, out, "(1 regions)")

	out, err = runSubcommand(t, newRegionsSubcommand(nil), conf, "-dump", path, "-server", "s9")
	require.NoError(t, err)
	require.Contains(t, out, "(0 regions)")

	_, err = runSubcommand(t, newRegionsSubcommand(nil), defaultConfig(t), "-dump", path)
	require.Equal(t, requiredParameterError("server"), err)
}
