package sandbox

func wrapProfile(p Profile, dir, name string, args []string) (string, []string, error) {
	switch p {
	case "", ProfileNone:
		return name, args, nil
	case ProfileReadOnly, ProfileNoNetwork, ProfileStrict:
		return "/usr/bin/sandbox-exec", append([]string{"-p", Policy(p, dir), name}, args...), nil
	}
	return "", nil, ErrUnsupportedProfile
}
