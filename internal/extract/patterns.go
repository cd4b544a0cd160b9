package extract

import (
	"net"
	"regexp"
	"strconv"
	"strings"
	"time"

	"threatlens/internal/model"
)

// matcher couples a compiled pattern with its shape validator. Matchers run
// in a fixed order so extraction output is deterministic.
type matcher struct {
	typ      model.IndicatorType
	re       *regexp.Regexp
	validate func(string) bool
}

var (
	reIPv4   = regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`)
	reIPv6   = regexp.MustCompile(`\b(?:[0-9a-fA-F]{0,4}:){2,7}[0-9a-fA-F]{1,4}\b`)
	reDomain = regexp.MustCompile(`(?i)\b(?:[a-z0-9](?:[a-z0-9-]{0,61}[a-z0-9])?\.)+(?:[a-z]{2,24})\b`)
	reURL    = regexp.MustCompile(`(?i)\bhttps?://[^\s"'<>()\[\]]+`)
	reMD5    = regexp.MustCompile(`(?i)\b[a-f0-9]{32}\b`)
	reSHA1   = regexp.MustCompile(`(?i)\b[a-f0-9]{40}\b`)
	reSHA256 = regexp.MustCompile(`(?i)\b[a-f0-9]{64}\b`)
	reEmail  = regexp.MustCompile(`(?i)\b[a-z0-9._%+-]+@(?:[a-z0-9](?:[a-z0-9-]{0,61}[a-z0-9])?\.)+[a-z]{2,24}\b`)
	reCVE    = regexp.MustCompile(`(?i)\bCVE-(\d{4})-(\d{4,7})\b`)
	reRegKey = regexp.MustCompile(`(?i)\b(?:HKEY_LOCAL_MACHINE|HKEY_CURRENT_USER|HKEY_CLASSES_ROOT|HKEY_USERS|HKEY_CURRENT_CONFIG|HKLM|HKCU|HKCR|HKU)\\[^\s"'<>]+`)
	rePath   = regexp.MustCompile(`(?i)\b(?:[a-z]:\\(?:[^\\/:*?"<>|\s]+\\)*[^\\/:*?"<>|\s]+|/(?:etc|tmp|var|usr|home|opt|bin|root|dev)/[^\s"'<>]+)`)
	reTTP    = regexp.MustCompile(`\b(?:AML\.T\d{4}(?:\.\d{3})?|T\d{4}(?:\.\d{3})?)\b`)
)

// wellKnownDomains are never emitted as indicators; they show up in nearly
// every report as references, not infrastructure.
var wellKnownDomains = map[string]bool{
	"example.com": true,
	"w3.org":      true,
	"schema.org":  true,
	"mitre.org":   true,
	"attack.mitre.org": true,
}

func orderedMatchers() []matcher {
	return []matcher{
		{model.IndicatorIPv4, reIPv4, validIPv4},
		{model.IndicatorIPv6, reIPv6, validIPv6},
		{model.IndicatorURL, reURL, validURL},
		{model.IndicatorEmail, reEmail, notEmpty},
		{model.IndicatorSHA256, reSHA256, isHex},
		{model.IndicatorSHA1, reSHA1, isHex},
		{model.IndicatorMD5, reMD5, isHex},
		{model.IndicatorCVE, reCVE, validCVE},
		{model.IndicatorRegistryKey, reRegKey, notEmpty},
		{model.IndicatorFilePath, rePath, validPath},
		{model.IndicatorTTP, reTTP, notEmpty},
		{model.IndicatorDomain, reDomain, validDomain},
	}
}

// ValidValue reports whether a candidate value has the right shape for its
// type. Reasoning output goes through this before it is trusted.
func ValidValue(typ model.IndicatorType, value string) bool {
	for _, m := range orderedMatchers() {
		if m.typ != typ {
			continue
		}
		loc := m.re.FindStringIndex(value)
		if loc == nil || loc[0] != 0 || loc[1] != len(value) {
			return false
		}
		return m.validate(value)
	}
	return false
}

func notEmpty(v string) bool { return v != "" }

func validIPv4(v string) bool {
	parts := strings.Split(v, ".")
	if len(parts) != 4 {
		return false
	}
	for _, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 || n > 255 {
			return false
		}
	}
	ip := net.ParseIP(v)
	if ip == nil {
		return false
	}
	// loopback and RFC1918 space is noise, not an indicator
	if ip.IsLoopback() || ip.IsPrivate() || ip.IsUnspecified() {
		return false
	}
	return true
}

func validIPv6(v string) bool {
	if !strings.Contains(v, ":") {
		return false
	}
	ip := net.ParseIP(v)
	if ip == nil || ip.To4() != nil {
		return false
	}
	return !ip.IsLoopback() && !ip.IsPrivate() && !ip.IsUnspecified()
}

// fileExtensions look like TLDs to the domain regex but never are; filenames
// in report prose are the single biggest domain false-positive source.
var fileExtensions = map[string]bool{
	"exe": true, "dll": true, "bat": true, "sys": true, "tmp": true,
	"dat": true, "doc": true, "docx": true, "xls": true, "xlsx": true,
	"pdf": true, "zip": true, "rar": true, "png": true, "jpg": true,
	"gif": true, "js": true, "css": true, "html": true, "htm": true,
	"txt": true, "log": true, "ini": true, "cfg": true, "lnk": true,
	"vbs": true, "jar": true, "iso": true, "msi": true, "scr": true,
}

func validDomain(v string) bool {
	v = strings.ToLower(v)
	if wellKnownDomains[v] {
		return false
	}
	labels := strings.Split(v, ".")
	if len(labels) < 2 {
		return false
	}
	tld := labels[len(labels)-1]
	if fileExtensions[tld] {
		return false
	}
	for _, r := range tld {
		if r < 'a' || r > 'z' {
			return false
		}
	}
	// a bare all-numeric "domain" is an IP fragment
	if reIPv4.MatchString(v) {
		return false
	}
	return true
}

func validURL(v string) bool {
	return strings.Contains(v, "://") && len(v) > len("http://x")
}

func isHex(v string) bool {
	for _, r := range strings.ToLower(v) {
		if (r < '0' || r > '9') && (r < 'a' || r > 'f') {
			return false
		}
	}
	return true
}

func validCVE(v string) bool {
	m := reCVE.FindStringSubmatch(v)
	if len(m) != 3 {
		return false
	}
	year, err := strconv.Atoi(m[1])
	if err != nil {
		return false
	}
	return year >= 1999 && year <= time.Now().Year()+1
}

func validPath(v string) bool {
	// require a separator beyond the prefix so bare drive letters don't match
	return strings.Count(v, `\`) >= 1 || strings.Count(v, "/") >= 2
}
