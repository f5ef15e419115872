package models

// ArtifactKind identifies the renderable type of an artifact.
type ArtifactKind string

const (
	ArtifactText  ArtifactKind = "text"
	ArtifactCode  ArtifactKind = "code"
	ArtifactHTML  ArtifactKind = "html"
	ArtifactReact ArtifactKind = "react"
)

// ValidArtifactKind reports whether k is a known artifact kind.
func ValidArtifactKind(k ArtifactKind) bool {
	switch k {
	case ArtifactText, ArtifactCode, ArtifactHTML, ArtifactReact:
		return true
	}
	return false
}

// Artifact is a structured side-output generated via a nested sub-stream
// during one assistant turn. It is protocol-level and ephemeral: storage
// only ever sees it as the Result payload of a tool-result entry on the
// assistant message.
type Artifact struct {
	// ID is stable for the lifetime of the turn and tags every event of the
	// artifact's sub-stream.
	ID string `json:"id"`

	Title    string       `json:"title"`
	Kind     ArtifactKind `json:"kind"`
	Content  string       `json:"content"`
	Language string       `json:"language,omitempty"`
}
