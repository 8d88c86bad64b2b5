package disk

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"regexp"
)

const (
	// NoOrg is the sentinel used by callers that have no organization.
	NoOrg = "NO_ORG"
	// NoOrgNormalized is how the sentinel is recorded in labels and names.
	NoOrgNormalized = "no-org"

	kubeNameLengthMax   = 63
	namespaceSep        = "--"
	namespacePrefix     = "platform"
	namespaceHashLength = 24

	diskNameLengthMin = 3
	diskNameLengthMax = 40
)

var diskNameRe = regexp.MustCompile(`^[a-z](-?[a-z0-9])*$`)

// NormalizeOrg maps the NO_ORG sentinel to its label-safe form.
func NormalizeOrg(org string) string {
	if org == NoOrg || org == "" {
		return NoOrgNormalized
	}
	return org
}

// IsNoOrg reports whether org is the missing-organization sentinel in either form.
func IsNoOrg(org string) bool {
	return org == "" || org == NoOrg || org == NoOrgNormalized
}

// GenerateNamespaceName derives the project namespace for (org, project):
//
//	platform--<org>--<project>--<hash24>
//
// where hash24 is the first 24 hex chars of sha256("<org>--<project>")
// computed before any truncation. The result never exceeds 63 characters:
// when org and project do not fit, they are truncated proportionally to their
// lengths, each keeping at least one character. The prefix and the hash are
// never truncated.
func GenerateNamespaceName(org, project string) string {
	org = NormalizeOrg(org)

	hashable := org + namespaceSep + project
	sum := sha256.Sum256([]byte(hashable))
	nameHash := hex.EncodeToString(sum[:])[:namespaceHashLength]

	reserved := len(namespacePrefix) + 2*len(namespaceSep) + namespaceHashLength
	free := kubeNameLengthMax - reserved
	if len(hashable) <= free {
		return namespacePrefix + namespaceSep + hashable + namespaceSep + nameHash
	}

	// Truncate more characters from whichever of the two parts is longer, so
	// that some of both survives.
	lenOrg, lenProject := len(org), len(project)
	lenBoth := lenOrg + lenProject + len(namespaceSep)
	exceeds := lenBoth - free

	removeFromOrg := int(math.Ceil(float64(lenOrg) / float64(lenBoth) * float64(exceeds)))
	removeFromProject := exceeds - removeFromOrg

	org = org[:max(1, lenOrg-removeFromOrg)]
	project = project[:max(1, lenProject-removeFromProject)]

	return namespacePrefix + namespaceSep + org + namespaceSep + project + namespaceSep + nameHash
}

// DiskNamingName returns the DiskNaming resource name for a disk name within
// a project.
func DiskNamingName(name, org, project string) string {
	return fmt.Sprintf("%s%s%s%s%s", name, namespaceSep, NormalizeOrg(org), namespaceSep, project)
}

// ValidateDiskName checks the user-supplied disk name against the allowed
// pattern and length bounds.
func ValidateDiskName(name string) error {
	if len(name) < diskNameLengthMin || len(name) > diskNameLengthMax {
		return fmt.Errorf("%w: %q must be %d-%d characters", ErrInvalidName, name, diskNameLengthMin, diskNameLengthMax)
	}
	if !diskNameRe.MatchString(name) {
		return fmt.Errorf("%w: %q must match %s", ErrInvalidName, name, diskNameRe.String())
	}
	return nil
}
