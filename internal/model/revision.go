package model

import (
	"fmt"
	"strconv"
	"strings"
)

// Generation parses the counter of a "gen-hash" revision token. Malformed tokens yield 0.
func Generation(rev string) int {
	i := strings.IndexByte(rev, '-')
	if i <= 0 {
		return 0
	}
	n, err := strconv.Atoi(rev[:i])
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// RevisionHash returns the hash part of a revision token
func RevisionHash(rev string) string {
	i := strings.IndexByte(rev, '-')
	if i < 0 {
		return ""
	}
	return rev[i+1:]
}

// FormatRevision builds a revision token
func FormatRevision(generation int, hash string) string {
	return fmt.Sprintf("%d-%s", generation, hash)
}
