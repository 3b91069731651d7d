package backends

import (
	"strings"
	"unicode"
)

// RcloneProgramOption returns the restic "-o rclone.program=..." value for
// the given platform, or "" when restic can find rclone on PATH.
//
// On Windows restic mis-parses drive letters in rclone.program, so the path
// is made relative to the site directory (the restic working directory),
// uses forward slashes, and shortens segments containing spaces to 8.3
// tokens.
func RcloneProgramOption(goos, siteDir, rclonePath string) string {
	if goos != "windows" || rclonePath == "" {
		return ""
	}
	return "rclone.program=" + WindowsRelativeProgram(siteDir, rclonePath)
}

// WindowsRelativeProgram rewrites target relative to base using
// Windows path rules.
func WindowsRelativeProgram(base, target string) string {
	baseParts := splitWindowsPath(base)
	targetParts := splitWindowsPath(target)

	var rel []string
	if len(baseParts) == 0 || len(targetParts) == 0 || !strings.EqualFold(baseParts[0], targetParts[0]) {
		// Different volumes cannot be expressed relatively.
		rel = targetParts
	} else {
		common := 0
		for common < len(baseParts) && common < len(targetParts) &&
			strings.EqualFold(baseParts[common], targetParts[common]) {
			common++
		}
		for i := common; i < len(baseParts); i++ {
			rel = append(rel, "..")
		}
		rel = append(rel, targetParts[common:]...)
	}

	for i, seg := range rel {
		if strings.ContainsRune(seg, ' ') {
			rel[i] = ShortSegment(seg)
		}
	}
	return strings.Join(rel, "/")
}

// ShortSegment returns an 8.3 style token for a path segment, e.g.
// "Program Files" -> "PROGRA~1".
func ShortSegment(seg string) string {
	name, ext, _ := strings.Cut(seg, ".")
	var b strings.Builder
	for _, r := range strings.ToUpper(name) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	short := b.String()
	if len(short) > 6 {
		short = short[:6]
	}
	short += "~1"
	if ext != "" {
		ext = strings.ToUpper(strings.ReplaceAll(ext, " ", ""))
		if len(ext) > 3 {
			ext = ext[:3]
		}
		short += "." + ext
	}
	return short
}

func splitWindowsPath(p string) []string {
	p = strings.ReplaceAll(p, "\\", "/")
	var parts []string
	for _, seg := range strings.Split(p, "/") {
		if seg == "" || seg == "." {
			continue
		}
		parts = append(parts, seg)
	}
	return parts
}
