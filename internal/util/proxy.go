package util

import (
	"crypto/rand"
	"math/big"
	"strings"
)

// PickProxy returns one proxy URL from a comma-separated list, chosen at
// random so downloads spread across the pool.
func PickProxy(proxies string) string {
	var pool []string
	for _, p := range strings.Split(proxies, ",") {
		if p = strings.TrimSpace(p); p != "" {
			pool = append(pool, p)
		}
	}
	switch len(pool) {
	case 0:
		return ""
	case 1:
		return pool[0]
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(len(pool))))
	if err != nil {
		return pool[0]
	}
	return pool[n.Int64()]
}

func ProxyArgs(proxies string) []string {
	url := PickProxy(proxies)
	if url == "" {
		return nil
	}
	return []string{"--proxy", url}
}
