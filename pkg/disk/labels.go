package disk

// Label and annotation keys used on managed PVCs. Every key exists in two
// vocabularies: the legacy platform.neuromation.io family and the current
// platform.apolo.us family. Writers always write both; readers accept either.
const (
	MarkLabel    = "platform.neuromation.io/disk-api-pvc"
	DeletedLabel = "platform.neuromation.io/disk-api-pvc-deleted"
	OrgLabel     = "platform.neuromation.io/disk-api-org-name"
	ProjectLabel = "platform.neuromation.io/project"
	UserLabel    = "platform.neuromation.io/user"

	ApoloMarkLabel    = "platform.apolo.us/disk"
	ApoloDeletedLabel = "platform.apolo.us/disk-deleted"
	ApoloOrgLabel     = "platform.apolo.us/org"
	ApoloProjectLabel = "platform.apolo.us/project"
	ApoloUserLabel    = "platform.apolo.us/user"

	NameAnnotation      = "platform.neuromation.io/disk-api-pvc-name"
	CreatedAtAnnotation = "platform.neuromation.io/disk-api-pvc-created-at"
	LastUsageAnnotation = "platform.neuromation.io/disk-api-pvc-last-usage"
	LifeSpanAnnotation  = "platform.neuromation.io/disk-api-pvc-life-span"
	UsedBytesAnnotation = "platform.neuromation.io/disk-api-used-bytes"

	ApoloNameAnnotation      = "platform.apolo.us/disk-api-pvc-name"
	ApoloCreatedAtAnnotation = "platform.apolo.us/disk-api-pvc-created-at"
	ApoloLastUsageAnnotation = "platform.apolo.us/disk-api-pvc-last-usage"
	ApoloLifeSpanAnnotation  = "platform.apolo.us/disk-api-pvc-life-span"
	ApoloUsedBytesAnnotation = "platform.apolo.us/disk-api-used-bytes"

	// InjectionAnnotation on a Pod requests disk volume injection by the
	// admission webhook.
	InjectionAnnotation = "platform.apolo.us/inject-disk"

	// VClusterObjectNameAnnotation carries the original PVC name when the PVC
	// is projected into a host cluster by vcluster; when present it wins over
	// the (mangled) PVC name as the disk id.
	VClusterObjectNameAnnotation = "vcluster.loft.sh/object-name"
)

// KeyPair is a legacy/current key alias for the same logical value.
type KeyPair struct {
	Legacy string
	Apolo  string
}

// Keys returns both keys, legacy first.
func (p KeyPair) Keys() [2]string {
	return [2]string{p.Legacy, p.Apolo}
}

// Paired label and annotation vocabularies, iterated by both the mutation and
// the parsing paths.
var (
	MarkLabelPair    = KeyPair{MarkLabel, ApoloMarkLabel}
	DeletedLabelPair = KeyPair{DeletedLabel, ApoloDeletedLabel}
	OrgLabelPair     = KeyPair{OrgLabel, ApoloOrgLabel}
	ProjectLabelPair = KeyPair{ProjectLabel, ApoloProjectLabel}
	UserLabelPair    = KeyPair{UserLabel, ApoloUserLabel}

	NameAnnotationPair      = KeyPair{NameAnnotation, ApoloNameAnnotation}
	CreatedAtAnnotationPair = KeyPair{CreatedAtAnnotation, ApoloCreatedAtAnnotation}
	LastUsageAnnotationPair = KeyPair{LastUsageAnnotation, ApoloLastUsageAnnotation}
	LifeSpanAnnotationPair  = KeyPair{LifeSpanAnnotation, ApoloLifeSpanAnnotation}
	UsedBytesAnnotationPair = KeyPair{UsedBytesAnnotation, ApoloUsedBytesAnnotation}

	// TrackedAnnotationPairs are the lifecycle annotations copied verbatim by
	// the namespace migration job.
	TrackedAnnotationPairs = []KeyPair{
		NameAnnotationPair,
		CreatedAtAnnotationPair,
		LastUsageAnnotationPair,
		LifeSpanAnnotationPair,
		UsedBytesAnnotationPair,
	}
)

// Lookup returns the value stored under either key of the pair, legacy
// taking precedence.
func (p KeyPair) Lookup(m map[string]string) (string, bool) {
	if v, ok := m[p.Legacy]; ok {
		return v, true
	}
	v, ok := m[p.Apolo]
	return v, ok
}

// Set stores the value under both keys of the pair.
func (p KeyPair) Set(m map[string]string, value string) {
	m[p.Legacy] = value
	m[p.Apolo] = value
}
