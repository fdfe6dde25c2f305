package target

// Well-known annotation keys attached to discovered targets. Platform
// backends fill these from whatever source metadata they have (container
// labels, JDP payloads, etc.).
const (
	AnnotationHost      = "host"
	AnnotationPort      = "port"
	AnnotationJavaMain  = "javaMain"
	AnnotationPID       = "pid"
	AnnotationNamespace = "namespace"
	AnnotationPodName   = "podName"
)

// ServiceRef describes a discovered JVM target. The connect URI is the
// identity: two refs with the same URI refer to the same target, and a ref
// with changed annotations supersedes the previous one wholesale.
type ServiceRef struct {
	ConnectURI  string            `json:"connectUrl" mapstructure:"connect_url"`
	Alias       string            `json:"alias" mapstructure:"alias"`
	Annotations map[string]string `json:"annotations,omitempty" mapstructure:"annotations"`
}

// TargetID returns the stable identifier used to key recordings, metadata
// and connections for this target.
func (r ServiceRef) TargetID() string { return r.ConnectURI }

// Annotation returns the annotation value and whether the key is present.
func (r ServiceRef) Annotation(key string) (string, bool) {
	v, ok := r.Annotations[key]
	return v, ok
}

// EventKind is the type of a discovery transition.
type EventKind string

const (
	EventFound EventKind = "FOUND"
	EventLost  EventKind = "LOST"
)

// DiscoveryEvent is emitted by a platform client whenever a target appears
// or disappears.
type DiscoveryEvent struct {
	Kind       EventKind  `json:"kind"`
	ServiceRef ServiceRef `json:"serviceRef"`
}
