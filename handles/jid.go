package handles

import "strings"

// DecodeJID splits a jid of the form node@domain/resource into its
// parts. Missing parts come back empty; no part is ever nil-like
// garbage, so callers can test with == "".
func DecodeJID(jid string) (node, domain, resource string) {
	rest := jid
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		resource = rest[i+1:]
		rest = rest[:i]
	}
	if i := strings.IndexByte(rest, '@'); i >= 0 {
		node = rest[:i]
		domain = rest[i+1:]
	} else {
		domain = rest
	}
	return node, domain, resource
}

// normalizeContact returns the canonical form of a contact jid, or ""
// if the jid is not a valid contact identifier.
func normalizeContact(jid string) string {
	node, domain, resource := DecodeJID(jid)
	if node == "" || domain == "" {
		return ""
	}
	s := node + "@" + strings.ToLower(domain)
	if resource != "" {
		s += "/" + resource
	}
	return s
}

// normalizeRoom returns the canonical room@service form, dropping any
// nick resource, or "" if the jid has no room or service part.
func normalizeRoom(jid string) string {
	room, service, _ := DecodeJID(jid)
	if room == "" || service == "" {
		return ""
	}
	return room + "@" + strings.ToLower(service)
}
