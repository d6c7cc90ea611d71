package jit

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
)

// keyDomain prefixes every cache key hash. The version suffix enables
// future key-schema migration without colliding with old entries.
const keyDomain = "kiln/kernel/v1"

// keyLen is the number of hex digits kept from the full digest. 16 hex
// digits (64 bits) keeps directory names short while making accidental
// collision negligible at cache sizes.
const keyLen = 16

// CacheKey derives the cache key for one build: SHA-256 over the domain,
// the kernel name, the exact generated source, each compile flag, and the
// toolchain identity, each field terminated by a null byte so field
// boundaries cannot be confused.
//
// The key covers everything that affects the produced artifact. Changing
// the source, a flag, or the compiler version yields a new key; the same
// inputs always yield the same key, on any machine.
func CacheKey(name, source string, flags []string, tc *Toolchain) string {
	h := sha256.New()
	writeField := func(s string) {
		h.Write([]byte(s))
		h.Write([]byte{0x00})
	}
	writeField(keyDomain)
	writeField(name)
	writeField(source)
	for _, f := range flags {
		writeField(f)
	}
	writeField(tc.Ident())
	return hex.EncodeToString(h.Sum(nil))[:keyLen]
}

// unsafePathRx matches characters stripped from kernel names when they
// become directory components.
var unsafePathRx = regexp.MustCompile(`[^A-Za-z0-9_.-]+`)

// entryName is the cache directory name for a build: the sanitized
// kernel name joined with the key. The name part is cosmetic, for humans
// walking the cache; identity lives entirely in the key.
func entryName(name, key string) string {
	clean := unsafePathRx.ReplaceAllString(name, "_")
	clean = strings.Trim(clean, "._")
	if clean == "" {
		clean = "kernel"
	}
	return clean + "." + key
}
