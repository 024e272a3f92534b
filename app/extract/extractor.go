// Package extract pulls CVE identifiers and indicators of compromise out of
// free text with regular expressions.
package extract

import (
	"regexp"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// MaxIOCs caps the indicators returned for a single text.
const MaxIOCs = 200

type Kind string

const (
	KindIPv4   Kind = "ipv4"
	KindSHA256 Kind = "sha256"
	KindDomain Kind = "domain"
	KindURL    Kind = "url"
	KindEmail  Kind = "email"
)

// Kinds lists indicator kinds in output order.
var Kinds = []Kind{KindIPv4, KindSHA256, KindDomain, KindURL, KindEmail}

type IOC struct {
	Kind  Kind
	Value string
}

type Result struct {
	CVEs []string
	IOCs []IOC
}

// PrimaryCVE is the first CVE found in the text. Items carry a single CVE.
func (r Result) PrimaryCVE() *string {
	if len(r.CVEs) == 0 {
		return nil
	}
	cve := r.CVEs[0]
	return &cve
}

const octet = `(?:25[0-5]|2[0-4]\d|1\d\d|[1-9]?\d)`

var (
	cvePattern    = regexp.MustCompile(`(?i)\bCVE-\d{4}-\d{4,7}\b`)
	ipv4Pattern   = regexp.MustCompile(`\b(?:` + octet + `\.){3}` + octet + `\b`)
	sha256Pattern = regexp.MustCompile(`\b[a-fA-F0-9]{64}\b`)
	domainPattern = regexp.MustCompile(`\b(?:[a-zA-Z0-9](?:[a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?\.)+[a-zA-Z]{2,63}\b`)
	urlPattern    = regexp.MustCompile(`https?://[^\s"'<>]+`)
	emailPattern  = regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`)
)

// Extract never fails; text without indicators yields an empty Result.
func Extract(text string) Result {
	text = norm.NFKC.String(text)

	result := Result{
		CVEs: cves(text),
		IOCs: []IOC{},
	}

	for _, kind := range Kinds {
		for _, value := range matches(kind, text) {
			if len(result.IOCs) == MaxIOCs {
				return result
			}
			result.IOCs = append(result.IOCs, IOC{Kind: kind, Value: value})
		}
	}

	return result
}

func cves(text string) []string {
	seen := map[string]bool{}
	out := []string{}
	for _, m := range cvePattern.FindAllString(text, -1) {
		id := strings.ToUpper(m)
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}

func matches(kind Kind, text string) []string {
	var found []string

	switch kind {
	case KindIPv4:
		found = ipv4Pattern.FindAllString(text, -1)
	case KindSHA256:
		for _, m := range sha256Pattern.FindAllString(text, -1) {
			found = append(found, strings.ToLower(m))
		}
	case KindDomain:
		for _, loc := range domainPattern.FindAllStringIndex(text, -1) {
			if loc[0] > 0 && text[loc[0]-1] == '-' {
				continue
			}
			found = append(found, strings.ToLower(text[loc[0]:loc[1]]))
		}
	case KindURL:
		for _, m := range urlPattern.FindAllString(text, -1) {
			if m = strings.TrimRight(m, ".,;:!?)]}"); m != "" {
				found = append(found, m)
			}
		}
	case KindEmail:
		for _, m := range emailPattern.FindAllString(text, -1) {
			found = append(found, strings.ToLower(m))
		}
	}

	return dedupe(found)
}

func dedupe(values []string) []string {
	seen := make(map[string]bool, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	return out
}
