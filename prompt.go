package main

import (
	"strings"

	"github.com/miekg/dns"
)

// extractPrompt turns query text into a prompt. The whole text is the prompt; only
// surrounding whitespace and one trailing root dot are removed.
func extractPrompt(name string) (string, error) {
	query := strings.TrimSpace(name)
	query = strings.TrimSuffix(query, ".")
	if query == "" {
		return "", ErrEmptyQuery
	}
	return query, nil
}

func isTXTQuery(qtype uint16) bool {
	return qtype == dns.TypeTXT
}

// queryText decodes a presentation-format name into the label bytes a client put on the
// wire, so `dig 'hello world' TXT` reads back as "hello world." instead of "hello\032world.".
func queryText(name string) string {
	buf := make([]byte, 256) // names are at most 255 octets
	end, err := dns.PackDomainName(dns.Fqdn(name), buf, 0, nil, false)
	if err != nil {
		return name
	}

	var text strings.Builder
	for off := 0; off < end; {
		n := int(buf[off])
		off++
		if n == 0 || off+n > end {
			break
		}
		text.Write(buf[off : off+n])
		text.WriteByte('.')
		off += n
	}
	if text.Len() == 0 {
		return "."
	}
	return text.String()
}
