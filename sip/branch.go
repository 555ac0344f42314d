package sip

import (
	"strings"

	"github.com/google/uuid"
)

// RFC3261BranchMagicCookie prefixes every branch this proxy generates, per
// RFC 3261 §8.1.1.7 — it lets a proxy recognize its own branches later
// (loop detection) and lets downstream elements tell RFC 3261-compliant
// branches from legacy ones.
const RFC3261BranchMagicCookie = "z9hG4bK"

// GenerateBranch returns a fresh branch parameter value.
func GenerateBranch() string {
	return RFC3261BranchMagicCookie + "." + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// GenerateTag returns a fresh From/To tag value.
func GenerateTag() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:10]
}
