package types

import "strings"

// Platform is the parsed "os-distro/arch/toolchain" triple. An empty
// segment in either operand acts as a wildcard during Matches.
type Platform struct {
	OSDistro  string
	Arch      string
	Toolchain string
}

// ParsePlatform splits a platform string on '/'. Missing trailing segments
// are treated as empty (wildcard).
func ParsePlatform(s string) Platform {
	parts := strings.Split(s, "/")
	p := Platform{}
	if len(parts) > 0 {
		p.OSDistro = parts[0]
	}
	if len(parts) > 1 {
		p.Arch = parts[1]
	}
	if len(parts) > 2 {
		p.Toolchain = parts[2]
	}
	return p
}

// String renders the platform back to "os-distro/arch/toolchain" form.
func (p Platform) String() string {
	return p.OSDistro + "/" + p.Arch + "/" + p.Toolchain
}

// Matches reports whether task platform want is satisfied by the builder
// platform have: each segment must be equal, unless want's segment is
// empty (wildcard).
func (want Platform) Matches(have Platform) bool {
	return matchSegment(want.OSDistro, have.OSDistro) &&
		matchSegment(want.Arch, have.Arch) &&
		matchSegment(want.Toolchain, have.Toolchain)
}

func matchSegment(want, have string) bool {
	return want == "" || want == have
}

// PlatformMatches is the string-form convenience wrapper around
// Platform.Matches, used by the scheduler and builder registry.
func PlatformMatches(taskPlatform, builderPlatform string) bool {
	return ParsePlatform(taskPlatform).Matches(ParsePlatform(builderPlatform))
}

// BuilderBaseName returns the portion of a builder's registered name before
// its first '.', which the data model calls its unique name; the platform
// is documented as "the suffix after the first dot" but is carried
// separately on BuilderRegistration.Platforms rather than parsed out of the
// name, since a builder may serve several platforms.
func BuilderBaseName(name string) string {
	if idx := strings.IndexByte(name, '.'); idx >= 0 {
		return name[:idx]
	}
	return name
}
