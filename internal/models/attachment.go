package models

// AttachmentKind describes where an attachment lives.
type AttachmentKind string

const (
	AttachmentKindLink       AttachmentKind = "link"
	AttachmentKindFile       AttachmentKind = "file"
	AttachmentKindCloudDrive AttachmentKind = "cloud-drive"
)

// Valid reports whether the kind is recognised.
func (k AttachmentKind) Valid() bool {
	switch k {
	case AttachmentKindLink, AttachmentKindFile, AttachmentKindCloudDrive:
		return true
	default:
		return false
	}
}

// Attachment references an external resource, either instructor material or a
// student deliverable.
type Attachment struct {
	Name string         `json:"name"`
	URL  string         `json:"url"`
	Kind AttachmentKind `json:"kind"`
}

// CloneAttachments returns a copy of the slice that never aliases the input.
func CloneAttachments(in []Attachment) []Attachment {
	out := make([]Attachment, len(in))
	copy(out, in)
	return out
}
