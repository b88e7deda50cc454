//go:build !darwin

package sandbox

// TODO: enforce profiles on Linux with landlock once a maintained binding is vetted.
func wrapProfile(p Profile, _ string, name string, args []string) (string, []string, error) {
	if p == "" || p == ProfileNone {
		return name, args, nil
	}
	return "", nil, ErrUnsupportedProfile
}
