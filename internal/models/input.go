package models

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"strings"
)

// ErrInvalidInput is returned when an artifact input cannot be constructed.
var ErrInvalidInput = errors.New("invalid artifact input")

// InputKind identifies which variant of ArtifactInput is populated.
type InputKind string

const (
	InputKindImage InputKind = "image"
	InputKindName  InputKind = "name"
)

// ArtifactInput is either a photograph or a typed artifact name. Fields are
// unexported so a constructed input cannot change; accessors return copies.
type ArtifactInput struct {
	kind     InputKind
	image    []byte
	mimeType string
	name     string
}

// NewImageInput validates that data decodes as a supported image format.
// An empty mimeType is derived from the detected format.
func NewImageInput(data []byte, mimeType string) (ArtifactInput, error) {
	if len(data) == 0 {
		return ArtifactInput{}, fmt.Errorf("%w: empty image", ErrInvalidInput)
	}
	_, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return ArtifactInput{}, fmt.Errorf("%w: decode image: %v", ErrInvalidInput, err)
	}
	mimeType = strings.TrimSpace(mimeType)
	if mimeType == "" || !strings.HasPrefix(mimeType, "image/") {
		mimeType = "image/" + format
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	return ArtifactInput{kind: InputKindImage, image: buf, mimeType: mimeType}, nil
}

// NewNameInput trims name and rejects blank values.
func NewNameInput(name string) (ArtifactInput, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return ArtifactInput{}, fmt.Errorf("%w: empty name", ErrInvalidInput)
	}
	return ArtifactInput{kind: InputKindName, name: name}, nil
}

// Kind returns the populated variant; empty for the zero value.
func (in ArtifactInput) Kind() InputKind { return in.kind }

// IsZero reports whether the input was built without a constructor.
func (in ArtifactInput) IsZero() bool { return in.kind == "" }

// Image returns a copy of the image bytes and their MIME type.
func (in ArtifactInput) Image() ([]byte, string) {
	if in.kind != InputKindImage {
		return nil, ""
	}
	buf := make([]byte, len(in.image))
	copy(buf, in.image)
	return buf, in.mimeType
}

// Name returns the artifact name for name inputs.
func (in ArtifactInput) Name() string { return in.name }

// RefKind identifies what the narrator knows about the artifact.
type RefKind string

const (
	RefDescription RefKind = "description"
	RefName        RefKind = "name"
	RefUnknown     RefKind = "unknown"
)

// ArtifactRef is what the narrator is told: a visual description, a name, or nothing.
type ArtifactRef struct {
	Kind RefKind
	Text string
}

// DescriptionRef wraps a vision description.
func DescriptionRef(text string) ArtifactRef {
	return ArtifactRef{Kind: RefDescription, Text: text}
}

// NameRef wraps a typed artifact name.
func NameRef(name string) ArtifactRef {
	return ArtifactRef{Kind: RefName, Text: name}
}

// UnknownRef is used when the artifact could not be identified.
func UnknownRef() ArtifactRef {
	return ArtifactRef{Kind: RefUnknown}
}
