package cdx

import (
	"net/url"
	"sort"
	"strings"
)

// URLKey canonicalizes rawURL into SURT form: the host's labels reversed
// and lowercased, followed by the path and a sorted query string, so that
// records under the same domain sort into a contiguous lexicographic
// range (spec.md §9's SURT/urlkey glossary entry). Malformed URLs fall
// back to the lowercased original string so indexing never fails outright.
func URLKey(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return strings.ToLower(rawURL)
	}

	host := strings.ToLower(u.Hostname())
	labels := strings.Split(host, ".")
	for i, j := 0, len(labels)-1; i < j; i, j = i+1, j-1 {
		labels[i], labels[j] = labels[j], labels[i]
	}
	surtHost := strings.Join(labels, ",")
	if port := u.Port(); port != "" {
		surtHost += ":" + port
	}

	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}

	key := surtHost + ")" + path
	if query := canonicalQuery(u.RawQuery); query != "" {
		key += "?" + query
	}

	return key
}

// canonicalQuery sorts query parameters by key so equivalent URLs that
// differ only in parameter order produce the same urlkey.
func canonicalQuery(rawQuery string) string {
	if rawQuery == "" {
		return ""
	}
	values, err := url.ParseQuery(rawQuery)
	if err != nil {
		return rawQuery
	}

	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		vs := values[k]
		sort.Strings(vs)
		for j, v := range vs {
			if i > 0 || j > 0 {
				b.WriteByte('&')
			}
			b.WriteString(k)
			b.WriteByte('=')
			b.WriteString(v)
		}
	}
	return b.String()
}
