package deploy

import "strings"

const maxLabelLen = 63

// Slugify turns a branch name into a DNS-1123 label: lowercase, [a-z0-9-]
// only, no leading/trailing hyphen, at most 63 characters. Inputs that
// reduce to nothing become "preview".
func Slugify(branch string) string {
	var b strings.Builder
	b.Grow(len(branch))

	lastDash := false
	for _, r := range strings.ToLower(branch) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		default:
			if !lastDash {
				b.WriteByte('-')
				lastDash = true
			}
		}
	}

	slug := strings.Trim(b.String(), "-")
	if len(slug) > maxLabelLen {
		slug = strings.TrimRight(slug[:maxLabelLen], "-")
	}
	if slug == "" {
		return "preview"
	}
	return slug
}
