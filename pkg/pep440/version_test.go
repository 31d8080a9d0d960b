// Copyright (C) 2021  Ambassador Labs
//
// SPDX-License-Identifier: Apache-2.0

package pep440_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datawire/pyresolve/pkg/pep440"
)

func mustParseVersion(t *testing.T, str string) pep440.Version {
	t.Helper()
	ver, err := pep440.ParseVersion(str)
	require.NoError(t, err)
	return *ver
}

func TestSortVersions(t *testing.T) {
	t.Parallel()
	testcases := map[string][]string{
		"final-releases": {
			"0.9", "0.9.1", "0.9.2", "0.9.10", "0.9.11",
			"1.0", "1.0.1", "1.1", "2.0", "2.0.1",
		},
		"pre-releases": {
			"4.3a2", "4.3b2", "4.3rc2", "4.3",
		},
		"post-releases": {
			"4.3a2.post1", "4.3b2.post1", "4.3rc2.post1",
		},
		"dev-before-release": {
			"4.3.dev1", "4.3.dev2", "4.3a1.dev1", "4.3a1", "4.3b1.dev1", "4.3b1",
			"4.3rc1.dev1", "4.3rc1", "4.3",
		},
		"epoch-dominates": {
			"1.0", "1!0.1",
		},
		"local-orders-after-public": {
			"1.0", "1.0+local1",
		},
	}
	for name, in := range testcases {
		in := in
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			versions := make([]pep440.Version, len(in))
			for i, s := range in {
				versions[i] = mustParseVersion(t, s)
			}
			shuffled := append([]pep440.Version(nil), versions...)
			shuffled[0], shuffled[len(shuffled)-1] = shuffled[len(shuffled)-1], shuffled[0]
			pep440.SortVersions(shuffled)
			assert.Equal(t, versions, shuffled)
		})
	}
}

func TestVersionString(t *testing.T) {
	t.Parallel()
	for _, str := range []string{
		"1.0", "1.0.1", "1!1.0", "1.0a1", "1.0.post1", "1.0.dev1", "1.0+local.1",
	} {
		str := str
		t.Run(str, func(t *testing.T) {
			t.Parallel()
			ver, err := pep440.ParseVersion(str)
			require.NoError(t, err)
			assert.Equal(t, str, ver.String())
		})
	}
}

func TestNormalize(t *testing.T) {
	t.Parallel()
	testcases := map[string]string{
		"1.0ALPHA1":  "1.0a1",
		"1.0.beta.1": "1.0b1",
		"1.0-c1":     "1.0rc1",
		"1.0_rev1":   "1.0.post1",
		"1.0-1":      "1.0.post1",
		"v1.0":       "1.0",
		"1.0.dev":    "1.0.dev0",
	}
	for in, want := range testcases {
		in, want := in, want
		t.Run(in, func(t *testing.T) {
			t.Parallel()
			ver, err := pep440.ParseVersion(in)
			require.NoError(t, err)
			norm, err := ver.Normalize()
			require.NoError(t, err)
			assert.Equal(t, want, norm.String())
		})
	}
}

func TestParseVersionInvalid(t *testing.T) {
	t.Parallel()
	for _, str := range []string{"", "abc", "1.0-", "1.0++local"} {
		str := str
		t.Run(str, func(t *testing.T) {
			t.Parallel()
			_, err := pep440.ParseVersion(str)
			assert.Error(t, err)
		})
	}
}
