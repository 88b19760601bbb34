// Copyright (c) 2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package version holds the version of cpd and its tools.
package version

import (
	"fmt"
	"regexp"
	"runtime/debug"
	"strconv"
	"strings"
)

// alphabet is the set of characters allowed in the pre-release and build
// metadata of a version.
const alphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz-."

var semverRE = regexp.MustCompile(`^(0|[1-9]\d*)\.(0|[1-9]\d*)\.(0|[1-9]\d*)` +
	`(?:-([0-9A-Za-z-]+(?:\.[0-9A-Za-z-]+)*))?(?:\+([0-9A-Za-z-]+(?:\.[0-9A-Za-z-]+)*))?$`)

// Version is the semantic version of cpd.  It may be overridden at link time
// with '-ldflags "-X github.com/coinparty/cpd/internal/version.Version=x.y.z"'
// and must remain a valid semantic version.
var Version = "0.1.0-pre"

// SemVer is a parsed semantic version.
type SemVer struct {
	Major, Minor, Patch uint
	PreRelease          string
	BuildMetadata       string
}

// String formats the version.
func (v SemVer) String() string {
	s := fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
	if v.PreRelease != "" {
		s += "-" + v.PreRelease
	}
	if v.BuildMetadata != "" {
		s += "+" + v.BuildMetadata
	}
	return s
}

// Parse parses a semantic version string.  Numeric pre-release identifiers
// may not have leading zeros.
func Parse(s string) (SemVer, error) {
	m := semverRE.FindStringSubmatch(s)
	if m == nil {
		return SemVer{}, fmt.Errorf("malformed version %q", s)
	}
	var v SemVer
	for i, dst := range []*uint{&v.Major, &v.Minor, &v.Patch} {
		n, err := strconv.ParseUint(m[i+1], 10, 0)
		if err != nil {
			return SemVer{}, fmt.Errorf("malformed version %q: %w", s, err)
		}
		*dst = uint(n)
	}
	for _, id := range strings.Split(m[4], ".") {
		if len(id) > 1 && id[0] == '0' && strings.Trim(id, "0123456789") == "" {
			return SemVer{}, fmt.Errorf("malformed version %q: "+
				"pre-release %q has a leading zero", s, id)
		}
	}
	v.PreRelease = m[4]
	v.BuildMetadata = m[5]
	return v, nil
}

var parsed = func() SemVer {
	v, err := Parse(Version)
	if err != nil {
		panic(err)
	}
	if v.BuildMetadata == "" {
		v.BuildMetadata = Normalize(vcsCommit())
	}
	return v
}()

// String returns the version of the running binary.  Builds from a VCS
// checkout carry the commit as build metadata.
func String() string {
	return parsed.String()
}

// Current returns the parsed version of the running binary.
func Current() SemVer {
	return parsed
}

// Normalize strips every character not allowed in pre-release or build
// metadata from s.
func Normalize(s string) string {
	return strings.Map(func(r rune) rune {
		if strings.ContainsRune(alphabet, r) {
			return r
		}
		return -1
	}, s)
}

func vcsCommit() string {
	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	var revision string
	var modified bool
	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision":
			revision = s.Value
		case "vcs.modified":
			modified = s.Value == "true"
		}
	}
	if len(revision) > 9 {
		revision = revision[:9]
	}
	if revision != "" && modified {
		revision += "-dirty"
	}
	return revision
}
