package audit

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/mssola/useragent"
	"golang.org/x/crypto/blake2b"
)

// ipHasher produces a stable, keyed digest of a client IP so entries can be
// correlated by origin without storing the address.
type ipHasher struct {
	key []byte
}

func newIPHasher(key string) (*ipHasher, error) {
	if len(key) > blake2b.Size {
		return nil, fmt.Errorf("ip hash key longer than %d bytes", blake2b.Size)
	}
	return &ipHasher{key: []byte(key)}, nil
}

func (h *ipHasher) Hash(ip string) string {
	ip = strings.TrimSpace(ip)
	if ip == "" {
		return ""
	}
	// New256 only fails for oversized keys, rejected in newIPHasher.
	d, _ := blake2b.New256(h.key)
	d.Write([]byte(ip))
	return hex.EncodeToString(d.Sum(nil))
}

// clientSummary reduces a raw User-Agent header to the coarse fields kept in
// entry metadata.
func clientSummary(raw string) map[string]any {
	if raw == "" {
		return nil
	}
	ua := useragent.New(raw)
	browser, version := ua.Browser()
	summary := map[string]any{
		"browser": strings.TrimSpace(browser + " " + version),
		"os":      ua.OS(),
		"mobile":  ua.Mobile(),
	}
	if ua.Bot() {
		summary["bot"] = true
	}
	return summary
}
