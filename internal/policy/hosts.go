package policy

import (
	"net/url"
	"strings"
)

// hostAliases сопоставляет известные хосты с именами платформ из правил
var hostAliases = map[string]string{
	"mail.google.com":      "gmail",
	"gmail.com":            "gmail",
	"docs.google.com":      "google docs",
	"outlook.live.com":     "outlook",
	"outlook.office.com":   "outlook",
	"twitter.com":          "twitter",
	"x.com":                "x",
	"linkedin.com":         "linkedin",
	"facebook.com":         "facebook",
	"paypal.com":           "paypal",
	"dashboard.stripe.com": "stripe",
}

// PlatformFromTarget выводит платформу из URL или хоста в цели шага.
// Для свободного текста возвращает пустую строку.
func PlatformFromTarget(target string) string {
	t := strings.ToLower(strings.TrimSpace(target))
	if t == "" || (strings.ContainsAny(t, " \t") && !strings.Contains(t, "://")) {
		return ""
	}
	host := t
	if strings.Contains(t, "://") {
		u, err := url.Parse(t)
		if err != nil || u.Host == "" {
			return ""
		}
		host = u.Hostname()
	} else if i := strings.IndexAny(t, "/?#"); i >= 0 {
		host = t[:i]
	}
	if !strings.Contains(host, ".") {
		return ""
	}
	host = strings.TrimPrefix(host, "www.")
	if p, ok := hostAliases[host]; ok {
		return p
	}
	labels := strings.Split(host, ".")
	if len(labels) < 2 {
		return ""
	}
	base := strings.Join(labels[len(labels)-2:], ".")
	if p, ok := hostAliases[base]; ok {
		return p
	}
	return labels[len(labels)-2]
}
